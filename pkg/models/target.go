package models

import (
	"fmt"
	"strings"
)

type ScanTarget struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
}

func (t ScanTarget) String() string {
	return t.Scheme + "://" + t.Host
}

func (t ScanTarget) IsHTTPS() bool {
	return t.Scheme == "https"
}

// URL joins an absolute path onto the target authority.
func (t ScanTarget) URL(path string) string {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return t.String() + path
}

func (t ScanTarget) Validate() error {
	if t.Scheme != "http" && t.Scheme != "https" {
		return fmt.Errorf("invalid scheme: %q", t.Scheme)
	}
	if t.Host == "" {
		return fmt.Errorf("target host is required")
	}
	if strings.ContainsAny(t.Host, "/:?#@ ") {
		return fmt.Errorf("invalid host: %q", t.Host)
	}
	return nil
}
