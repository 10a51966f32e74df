package queue

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var queueNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

func sanitizeQueueName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !queueNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidQueue, name)
	}
	return name, nil
}

func queueBasePath(queue string) string {
	return path.Join("q", queue)
}

func messagePath(queue, id string) string {
	return path.Join(queueBasePath(queue), "msg", id+".json")
}

func messagePrefix(queue string) string {
	return path.Join(queueBasePath(queue), "msg") + "/"
}

func deadLetterPath(queue, id string) string {
	return path.Join(queueBasePath(queue), "dlq", id+".json")
}

func deadLetterPrefix(queue string) string {
	return path.Join(queueBasePath(queue), "dlq") + "/"
}

// KeyParts captures the queue name and message id from an object key.
type KeyParts struct {
	Queue      string
	ID         string
	DeadLetter bool
}

// ParseKey extracts the queue name and message id from a message or
// dead-letter key (e.g. "q/envelopes/msg/<id>.json"). Returns ok=false when
// the key does not match the expected layout.
func ParseKey(key string) (KeyParts, bool) {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	if len(parts) != 4 || parts[0] != "q" || parts[1] == "" {
		return KeyParts{}, false
	}
	id, ok := strings.CutSuffix(parts[3], ".json")
	if !ok || id == "" {
		return KeyParts{}, false
	}
	switch parts[2] {
	case "msg":
		return KeyParts{Queue: parts[1], ID: id}, true
	case "dlq":
		return KeyParts{Queue: parts[1], ID: id, DeadLetter: true}, true
	}
	return KeyParts{}, false
}
