package commsutil

import "strings"

// Default COMMS subjects.
const (
	SubjectPresence = "hostagent.presence"
	SubjectEvents   = "hostagent.events"

	subjectPeerPrefix    = "hostagent.peer."
	subjectCatalogPrefix = "hostagent.catalog."
)

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// SubjectToken turns an identity or command name into a single subject token.
func SubjectToken(s string) string {
	return tokenReplacer.Replace(s)
}

// BuildPeerSubject builds the inbox subject of a peer identity.
func BuildPeerSubject(identity string) string {
	return subjectPeerPrefix + SubjectToken(identity)
}

// BuildCatalogSubject builds the subject an agent answers catalog requests on.
func BuildCatalogSubject(identity string) string {
	return subjectCatalogPrefix + SubjectToken(identity)
}

// BuildEventSubject builds the granular execution event subject.
func BuildEventSubject(agent, command string) string {
	return SubjectEvents + "." + SubjectToken(agent) + "." + SubjectToken(command)
}
