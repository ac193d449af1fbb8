package transport

import "strings"

// SubjectFromTopic converts an MQTT-style topic filter to a NATS subject.
// "/" separators become ".", "+" becomes "*", and a trailing "#" becomes ">".
// A bare "#" or "+" is converted as well. Other topics without "/" are
// returned unchanged.
func SubjectFromTopic(topic string) string {
	switch topic {
	case "#":
		return ">"
	case "+":
		return "*"
	}
	if !strings.Contains(topic, "/") {
		return topic
	}
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			if i == len(parts)-1 {
				parts[i] = ">"
			}
		}
	}
	return strings.Join(parts, ".")
}

// SubjectMatches reports whether subject matches pattern using NATS wildcard
// rules: * matches one token, a trailing > matches one or more tokens.
func SubjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
