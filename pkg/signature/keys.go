package signature

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// LoadPublicKey parses the controller's RSA public key. Accepted forms are a
// PEM "PUBLIC KEY" block, a PEM "RSA PUBLIC KEY" block, or an OpenSSH
// authorized_keys line of type ssh-rsa.
func LoadPublicKey(data []byte) (*rsa.PublicKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%s - %w", logPrefix, ErrNoKey)
	}

	if block, _ := pem.Decode(data); block != nil {
		switch block.Type {
		case "RSA PUBLIC KEY":
			key, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%s - parse PKCS1 key: %w", logPrefix, err)
			}
			return key, nil
		case "PUBLIC KEY":
			parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%s - parse PKIX key: %w", logPrefix, err)
			}
			return asRSA(parsed)
		default:
			return nil, fmt.Errorf("%s - unsupported PEM block %q", logPrefix, block.Type)
		}
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("%s - key is neither PEM nor authorized_keys: %w", logPrefix, err)
	}
	cpk, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("%s - ssh key type %s not supported", logPrefix, pub.Type())
	}
	return asRSA(cpk.CryptoPublicKey())
}

// LoadPublicKeyFile reads path and parses it with LoadPublicKey.
func LoadPublicKeyFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s - read key %s: %w", logPrefix, path, err)
	}
	return LoadPublicKey(data)
}

func asRSA(k crypto.PublicKey) (*rsa.PublicKey, error) {
	key, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s - trusted key must be RSA, got %T", logPrefix, k)
	}
	return key, nil
}
