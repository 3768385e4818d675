package coreapi

import (
	"regexp"
	"strings"
)

var (
	errorMsgPattern = regexp.MustCompile(`level=(?:error|fatal) msg="((?:[^"\\]|\\.)*)"`)
	anyMsgPattern   = regexp.MustCompile(`msg="((?:[^"\\]|\\.)*)"`)
	errorKVPattern  = regexp.MustCompile(`error=(.*?)(?:\s+path=|$)`)
	logLinePattern  = regexp.MustCompile(`^time="[^"]*"\s+level=(\w+)\s+msg="((?:[^"\\]|\\.)*)"\s*$`)
	timePrefix      = regexp.MustCompile(`^time="[^"]*"\s*`)
)

// ParseCheckOutput extracts the human readable reason from the output of a
// validate-only core run. It prefers the message of an error-level line,
// then any msg="..." field, then an error=... field. Unrecognised output is
// returned trimmed.
func ParseCheckOutput(output string) string {
	if m := errorMsgPattern.FindStringSubmatch(output); m != nil {
		return unescape(m[1])
	}
	if m := anyMsgPattern.FindAllStringSubmatch(output, -1); len(m) > 0 {
		return unescape(m[len(m)-1][1])
	}
	for _, line := range strings.Split(output, "\n") {
		if m := errorKVPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return strings.TrimSpace(output)
}

// ParseLogLine splits a core stdout line of the form
// `time="..." level=info msg="..."` into its level and message. Lines in
// other formats keep their text with only a leading time field removed.
func ParseLogLine(line string) (level, message string) {
	line = strings.TrimRight(line, "\r\n")
	if m := logLinePattern.FindStringSubmatch(line); m != nil {
		return m[1], unescape(m[2])
	}
	return "", timePrefix.ReplaceAllString(line, "")
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(s)
}
