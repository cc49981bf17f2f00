package protocol

import "strings"

// Control line prefixes pushed from server to client.
const (
	UsersPrefix    = "/users "
	FilePrefix     = "/file "
	DownloadPrefix = "[DOWNLOAD]"
)

// UsersLine builds the presence roster line "/users a,b,c".
func UsersLine(names []string) string {
	return UsersPrefix + strings.Join(names, ",")
}

// FileLine builds the inline file relay line "/file <name> <base64>".
func FileLine(name, payload string) string {
	return FilePrefix + name + " " + payload
}

// DownloadLine builds the pointer to a file kept by the file relay.
func DownloadLine(path string) string {
	return DownloadPrefix + path
}
