package model

// Input is a decoded proxied request: the upstream URL plus the headers the
// page wants forwarded.
type Input struct {
	Encoded string
	Url     string
	Referer string
	Origin  string
}
