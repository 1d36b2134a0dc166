// Package calllog implements the Call Log of spec §4.2: an ordered,
// append-only ledger of every guest invocation, recorded so a third
// party can replay and verify a VM's history.
package calllog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/reusee/vms/vmerr"
)

type EntryType string

const (
	TypeInit EntryType = "init"
	TypeCall EntryType = "call"
)

// InitEntry is always sequence 0, per spec §3 invariant 1.
type InitEntry struct {
	Type            EntryType `json:"type"`
	Code            string    `json:"code"`
	FilesArchiveUrl string    `json:"filesArchiveUrl"`
}

type CallInvocation struct {
	MethodName string `json:"methodName"`
	Args       []any  `json:"args"`
	UserId     string `json:"userId,omitempty"`
}

type ErrInfo struct {
	Message string `json:"message"`
}

type CallResult struct {
	FilesVersion uint64   `json:"filesVersion"`
	Res          any      `json:"res,omitempty"`
	Err          *ErrInfo `json:"err,omitempty"`
}

type CallEntry struct {
	Type   EntryType      `json:"type"`
	Call   CallInvocation `json:"call"`
	Result CallResult     `json:"result"`
}

// Entry is a decoded log line tagged with its sequence number. Exactly
// one of Init or Call is set.
type Entry struct {
	Seq  uint64
	Init *InitEntry
	Call *CallEntry
}

func (e Entry) Type() EntryType {
	if e.Init != nil {
		return TypeInit
	}
	return TypeCall
}

func (e Entry) raw() any {
	if e.Init != nil {
		return e.Init
	}
	return e.Call
}

// canonicalMarshal fixes field order to the producer's struct declaration
// (Go's encoder preserves it) and disables HTML escaping, matching the
// stable-hashing requirement of spec §6. Map-valued fields (args, res)
// are sorted by key automatically by encoding/json.
func canonicalMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MarshalCanonical renders the entry's wire form, omitting Seq (sequence
// is positional, not a ledger field).
func (e Entry) MarshalCanonical() ([]byte, error) {
	return canonicalMarshal(e.raw())
}

// Equal compares two entries structurally under the canonical encoding,
// as spec §4.7's compareLogs requires.
func (e Entry) Equal(other Entry) bool {
	a, errA := e.MarshalCanonical()
	b, errB := other.MarshalCanonical()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func unmarshalEntry(seq uint64, line []byte) (Entry, error) {
	var probe struct {
		Type EntryType `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return Entry{}, vmerr.Wrap(vmerr.KindMalformedLog, "decode entry type", err)
	}
	switch probe.Type {
	case TypeInit:
		var ie InitEntry
		if err := json.Unmarshal(line, &ie); err != nil {
			return Entry{}, vmerr.Wrap(vmerr.KindMalformedLog, "decode init entry", err)
		}
		return Entry{Seq: seq, Init: &ie}, nil
	case TypeCall:
		var ce CallEntry
		if err := json.Unmarshal(line, &ce); err != nil {
			return Entry{}, vmerr.Wrap(vmerr.KindMalformedLog, "decode call entry", err)
		}
		return Entry{Seq: seq, Call: &ce}, nil
	default:
		return Entry{}, vmerr.New(vmerr.KindMalformedLog, fmt.Sprintf("unknown log entry type %q", probe.Type))
	}
}
