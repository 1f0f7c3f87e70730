//go:build windows || plan9

package audit

import "fmt"

func NewSyslogLogger(*Config) (Logger, error) {
	return nil, fmt.Errorf("syslog audit logging is not supported on this platform")
}
