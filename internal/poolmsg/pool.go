package poolmsg

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// CurrentVersion is the only wire version this codec understands.
const CurrentVersion = "1"

// PoolType discriminates a pool announcement's lifecycle event.
type PoolType string

const (
	PoolCreate PoolType = "create"
	PoolUpdate PoolType = "update"
	PoolDelete PoolType = "delete"
)

// Pool is the public announcement published as a kind-2022 relay event.
type Pool struct {
	Version   []string     `json:"version"`
	ID        string       `json:"id"`
	Network   string       `json:"network"`
	Type      PoolType     `json:"type"`
	PublicKey PubKey       `json:"public_key"`
	Payload   *PoolPayload `json:"payload,omitempty"`
}

// PoolPayload carries the pool's coinjoin parameters. Present for Create
// (and, were Update implemented, for Update); absent for Delete.
type PoolPayload struct {
	Denomination btcutil.Amount `json:"denomination"`
	Peers        int            `json:"peers"`
	Timeout      Timeline       `json:"timeout"`
	Relays       []string       `json:"relays"`
	Fee          Fee            `json:"fee_rate"`
	Transport    Transport      `json:"transport"`
}

// Transport carries advisory transport hints; never enforced by the
// engine itself.
type Transport struct {
	Vpn *Vpn `json:"vpn,omitempty"`
	Tor *Tor `json:"tor,omitempty"`
}

type Vpn struct {
	Enable  bool    `json:"enable"`
	Gateway *string `json:"gateway,omitempty"`
}

type Tor struct {
	Enable bool `json:"enable"`
}

// Timeline governs when a pool starts and when it gives up. Exactly one
// of Simple/Fixed/Timeout is populated, matching the untagged union on
// the wire.
type Timeline struct {
	kind timelineKind

	Simple uint64 // unix seconds

	FixedStart       uint64
	FixedMaxDuration uint64

	TimeoutDeadline    uint64
	TimeoutMaxDuration uint64
}

type timelineKind int

const (
	timelineSimple timelineKind = iota
	timelineFixed
	timelineTimeout
)

func NewSimpleTimeline(t uint64) Timeline {
	return Timeline{kind: timelineSimple, Simple: t}
}

func NewFixedTimeline(start, maxDuration uint64) Timeline {
	return Timeline{kind: timelineFixed, FixedStart: start, FixedMaxDuration: maxDuration}
}

func NewTimeoutTimeline(timeout, maxDuration uint64) Timeline {
	return Timeline{kind: timelineTimeout, TimeoutDeadline: timeout, TimeoutMaxDuration: maxDuration}
}

func (t Timeline) IsSimple() bool  { return t.kind == timelineSimple }
func (t Timeline) IsFixed() bool   { return t.kind == timelineFixed }
func (t Timeline) IsTimeout() bool { return t.kind == timelineTimeout }

// StartDeadline returns the timestamp after which a peer set that hasn't
// reached min_peers must be abandoned, and whether the round may start
// early once min_peers is reached (Simple and Timeout allow it; Fixed
// always waits for its absolute start).
func (t Timeline) StartDeadline() (deadline uint64, startsEarly bool) {
	switch t.kind {
	case timelineSimple:
		return t.Simple, true
	case timelineFixed:
		return t.FixedStart, false
	case timelineTimeout:
		return t.TimeoutDeadline, true
	default:
		return 0, false
	}
}

// FinalDeadline returns the absolute timestamp after which the
// signing/input-registration round must be abandoned. For Timeout this
// follows the Fixed-symmetric reading settled in the open questions:
// timeout + max_duration.
func (t Timeline) FinalDeadline() uint64 {
	switch t.kind {
	case timelineSimple:
		return t.Simple
	case timelineFixed:
		return t.FixedStart + t.FixedMaxDuration
	case timelineTimeout:
		return t.TimeoutDeadline + t.TimeoutMaxDuration
	default:
		return 0
	}
}

func (t Timeline) MarshalJSON() ([]byte, error) {
	switch t.kind {
	case timelineSimple:
		return json.Marshal(t.Simple)
	case timelineFixed:
		return json.Marshal(struct {
			Start       uint64 `json:"start"`
			MaxDuration uint64 `json:"max_duration"`
		}{t.FixedStart, t.FixedMaxDuration})
	case timelineTimeout:
		return json.Marshal(struct {
			Timeout     uint64 `json:"timeout"`
			MaxDuration uint64 `json:"max_duration"`
		}{t.TimeoutDeadline, t.TimeoutMaxDuration})
	default:
		return nil, fmt.Errorf("poolmsg: timeline: unset variant")
	}
}

func (t *Timeline) UnmarshalJSON(b []byte) error {
	var asNumber uint64
	if err := json.Unmarshal(b, &asNumber); err == nil {
		*t = NewSimpleTimeline(asNumber)
		return nil
	}
	var obj struct {
		Start       *uint64 `json:"start"`
		MaxDuration *uint64 `json:"max_duration"`
		Timeout     *uint64 `json:"timeout"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("poolmsg: timeline: %w", err)
	}
	switch {
	case obj.Start != nil && obj.MaxDuration != nil:
		*t = NewFixedTimeline(*obj.Start, *obj.MaxDuration)
	case obj.Timeout != nil && obj.MaxDuration != nil:
		*t = NewTimeoutTimeline(*obj.Timeout, *obj.MaxDuration)
	default:
		return fmt.Errorf("poolmsg: timeline: unrecognized shape")
	}
	return nil
}

// Fee is either a fixed sats/vbyte rate or a (type-only, unimplemented)
// fee-provider scheme.
type Fee struct {
	fixed       bool
	FixedSatVb  uint32
	Provider    string // provider payout address, unused until implemented
	isProvider  bool
}

func NewFixedFee(satPerVb uint32) Fee { return Fee{fixed: true, FixedSatVb: satPerVb} }

func (f Fee) IsFixed() bool    { return f.fixed }
func (f Fee) IsProvider() bool { return f.isProvider }

func (f Fee) MarshalJSON() ([]byte, error) {
	if f.fixed {
		return json.Marshal(f.FixedSatVb)
	}
	return json.Marshal(struct {
		Address string `json:"address"`
	}{f.Provider})
}

func (f *Fee) UnmarshalJSON(b []byte) error {
	var asNumber uint32
	if err := json.Unmarshal(b, &asNumber); err == nil {
		*f = NewFixedFee(asNumber)
		return nil
	}
	var obj struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("poolmsg: fee: %w", err)
	}
	*f = Fee{isProvider: true, Provider: obj.Address}
	return nil
}
