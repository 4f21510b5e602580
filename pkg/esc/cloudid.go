package esc

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseCloudID unpacks an Elastic Cloud deployment id into the https
// descriptor of its search endpoint.
//
// The id has the form "label:base64(domain$service-id$...)" where the label is
// display only. The endpoint becomes https://service-id.domain on port 443
// unless the domain carries its own ":port".
func ParseCloudID(cloudID string) (ConnectionDescriptor, error) {

	encoded := cloudID
	if separator := strings.IndexByte(cloudID, ':'); separator >= 0 {
		encoded = cloudID[separator+1:]
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return ConnectionDescriptor{}, fmt.Errorf("cloud id is not properly formatted: %w", err)
		}
	}

	parts := strings.Split(string(decoded), "$")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ConnectionDescriptor{}, errors.New("cloud id is not properly formatted, expected domain$service-id")
	}

	domain := parts[0]
	port := 443

	if host, portString, splitErr := net.SplitHostPort(domain); splitErr == nil {
		parsed, atoiErr := strconv.Atoi(portString)
		if atoiErr != nil || parsed <= 0 {
			return ConnectionDescriptor{}, fmt.Errorf("cloud id carries an invalid port %q", portString)
		}
		domain = host
		port = parsed
	}

	return ConnectionDescriptor{
		Scheme: "https",
		Host:   parts[1] + "." + domain,
		Port:   port,
	}, nil
}
