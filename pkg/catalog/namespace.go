package catalog

import "strings"

// NamespaceStrategy produces the presented name for a tool whose bare name
// is shared by more than one server. Implementations must be deterministic
// for a given serverID/name pair.
type NamespaceStrategy interface {
	Qualify(serverID, toolName string) string
}

// splitter is implemented by strategies that can take a qualified name apart.
type splitter interface {
	Split(name string) (serverID, toolName string, ok bool)
}

// ServerPrefixNamespace prefixes the tool name with the originating server
// ID, separated by a configurable delimiter (defaults to ".").
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "."
	}
	return s.Separator
}

func (s ServerPrefixNamespace) Qualify(serverID, toolName string) string {
	return serverID + s.separator() + toolName
}

// Split reverses Qualify for server IDs that do not contain the separator.
func (s ServerPrefixNamespace) Split(name string) (serverID, toolName string, ok bool) {
	serverID, toolName, ok = strings.Cut(name, s.separator())
	if !ok || serverID == "" || toolName == "" {
		return "", "", false
	}
	return serverID, toolName, true
}
