package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Command is the parsed form of a tunnel query name. One variant per
// verb; the wire handler owns the single switch over them.
type Command interface{ isCommand() }

type MsgCommand struct {
	SID     string
	Index   int
	Total   int
	Payload string // base32 payload label as received
}

type GetCommand struct {
	SID   string
	Index int
}

type CntCommand struct{ SID string }

type ClrCommand struct{ SID string }

type TstCommand struct{}

func (MsgCommand) isCommand() {}
func (GetCommand) isCommand() {}
func (CntCommand) isCommand() {}
func (ClrCommand) isCommand() {}
func (TstCommand) isCommand() {}

var sidPattern = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// parseCommand maps a query name (already verified to end in suffix)
// to its typed command. Names are case-folded first; DNS gives no
// case guarantee.
func parseCommand(qname, suffix string) (Command, error) {
	name := strings.ToLower(strings.TrimSuffix(qname, "."))
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("%w: name too long", ErrMalformedQuery)
	}
	name = strings.TrimSuffix(name, suffix)
	name = strings.TrimSuffix(name, ".")

	labels := strings.Split(name, ".")
	switch labels[0] {
	case "msg":
		if len(labels) != 5 {
			return nil, fmt.Errorf("%w: msg wants sid.idx.total.payload", ErrMalformedQuery)
		}
		sid, err := parseSID(labels[1])
		if err != nil {
			return nil, err
		}
		idx, err := parseCount(labels[2])
		if err != nil {
			return nil, err
		}
		total, err := parseCount(labels[3])
		if err != nil {
			return nil, err
		}
		if total == 0 || idx >= total {
			return nil, fmt.Errorf("%w: index %d outside total %d", ErrMalformedQuery, idx, total)
		}
		if _, err := decodeLabel(labels[4]); err != nil {
			return nil, err
		}
		return MsgCommand{SID: sid, Index: idx, Total: total, Payload: labels[4]}, nil

	case "get":
		if len(labels) != 3 {
			return nil, fmt.Errorf("%w: get wants sid.idx", ErrMalformedQuery)
		}
		sid, err := parseSID(labels[1])
		if err != nil {
			return nil, err
		}
		idx, err := parseCount(labels[2])
		if err != nil {
			return nil, err
		}
		return GetCommand{SID: sid, Index: idx}, nil

	case "cnt":
		if len(labels) != 2 {
			return nil, fmt.Errorf("%w: cnt wants sid", ErrMalformedQuery)
		}
		sid, err := parseSID(labels[1])
		if err != nil {
			return nil, err
		}
		return CntCommand{SID: sid}, nil

	case "clr":
		if len(labels) != 2 {
			return nil, fmt.Errorf("%w: clr wants sid", ErrMalformedQuery)
		}
		sid, err := parseSID(labels[1])
		if err != nil {
			return nil, err
		}
		return ClrCommand{SID: sid}, nil

	case "tst":
		if len(labels) != 1 {
			return nil, fmt.Errorf("%w: tst takes no fields", ErrMalformedQuery)
		}
		return TstCommand{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, labels[0])
	}
}

func parseSID(label string) (string, error) {
	if !sidPattern.MatchString(label) {
		return "", fmt.Errorf("%w: bad session id", ErrMalformedQuery)
	}
	return label, nil
}

func parseCount(label string) (int, error) {
	n, err := strconv.Atoi(label)
	if err != nil || n < 0 || n > maxChunksPerMessage {
		return 0, fmt.Errorf("%w: bad count %q", ErrMalformedQuery, label)
	}
	return n, nil
}
