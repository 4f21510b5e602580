package esc

import (
	"regexp"
	"runtime"
	"strings"
)

const (
	// Version is the library version advertised to the cluster.
	Version = "1.0.0"

	// MetaHeaderName is the header carrying the client telemetry pairs.
	MetaHeaderName = "x-elastic-client-meta"
)

// ClientMetaProvider lets a connection contribute its HTTP flavor to the
// client meta header as an extra key/version pair.
type ClientMetaProvider interface {
	HTTPClientMeta() (string, string)
}

var metaVersionRegexp = regexp.MustCompile(`^([0-9][0-9.]*[0-9]|[0-9])(.*)$`)

// clientMetaVersion trims a version down to the digits and dots the meta
// header allows, flagging any trailing pre-release noise with a "p".
func clientMetaVersion(version string) string {

	matches := metaVersionRegexp.FindStringSubmatch(version)
	if matches == nil {
		return "0"
	}

	if matches[2] != "" {
		return matches[1] + "p"
	}

	return matches[1]
}

// buildClientMeta renders the client meta header value. Keys arrive in a fixed
// order so the header stays stable across requests, with any caller supplied
// helper pairs appended verbatim at the end.
func buildClientMeta(provider ClientMetaProvider, helperMeta string) string {

	var builder strings.Builder
	builder.WriteString("es=")
	builder.WriteString(clientMetaVersion(Version))
	builder.WriteString(",go=")
	builder.WriteString(clientMetaVersion(strings.TrimPrefix(runtime.Version(), "go")))
	builder.WriteString(",t=")
	builder.WriteString(clientMetaVersion(Version))

	if provider != nil {
		key, version := provider.HTTPClientMeta()
		if key != "" {
			builder.WriteByte(',')
			builder.WriteString(key)
			builder.WriteByte('=')
			builder.WriteString(clientMetaVersion(version))
		}
	}

	if helperMeta != "" {
		builder.WriteByte(',')
		builder.WriteString(helperMeta)
	}

	return builder.String()
}
