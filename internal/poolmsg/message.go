package poolmsg

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// SignedInput is a single peer's independently-signed contribution to the
// coinjoin transaction. Amount is carried out-of-band so the assembler
// need not consult the chain when it is supplied.
type SignedInput struct {
	TxIn   *wire.TxIn
	Amount *btcutil.Amount
}

// Credentials carries the pool's shared throw-away relay identity,
// sent identically to each joiner in reply to its Join.
type Credentials struct {
	ID  string
	Key SecKey
}

// msgType is the wire "type" discriminator.
type msgType string

const (
	typeJoin        msgType = "join_pool"
	typeCredentials msgType = "credentials"
	typeOutput      msgType = "output"
	typeInput       msgType = "input"
	typePsbt        msgType = "psbt"
	typeTransaction msgType = "transaction"
)

// PoolMessage is the tagged union of encrypted DM payloads exchanged
// between pool participants.
type PoolMessage struct {
	kind msgType

	JoinPubKey *PubKey // Join: optional responder pubkey

	Credentials Credentials

	OutputAddress string // textual, network-unchecked form

	Input SignedInput

	Psbt *psbt.Packet

	Transaction *wire.MsgTx
}

func NewJoinMessage(pub *PubKey) PoolMessage {
	return PoolMessage{kind: typeJoin, JoinPubKey: pub}
}

func NewCredentialsMessage(c Credentials) PoolMessage {
	return PoolMessage{kind: typeCredentials, Credentials: c}
}

func NewOutputMessage(address string) PoolMessage {
	return PoolMessage{kind: typeOutput, OutputAddress: address}
}

func NewInputMessage(in SignedInput) PoolMessage {
	return PoolMessage{kind: typeInput, Input: in}
}

func NewPsbtMessage(p *psbt.Packet) PoolMessage {
	return PoolMessage{kind: typePsbt, Psbt: p}
}

func NewTransactionMessage(tx *wire.MsgTx) PoolMessage {
	return PoolMessage{kind: typeTransaction, Transaction: tx}
}

func (m PoolMessage) IsJoin() bool        { return m.kind == typeJoin }
func (m PoolMessage) IsCredentials() bool { return m.kind == typeCredentials }
func (m PoolMessage) IsOutput() bool      { return m.kind == typeOutput }
func (m PoolMessage) IsInput() bool       { return m.kind == typeInput }
func (m PoolMessage) IsPsbt() bool        { return m.kind == typePsbt }
func (m PoolMessage) IsTransaction() bool { return m.kind == typeTransaction }

// WithJoinPubKey returns a copy of m with JoinPubKey set, used by the relay
// layer to rewrite an anonymous Join(None) into Join(Some(sender)).
func (m PoolMessage) WithJoinPubKey(pub PubKey) PoolMessage {
	m.JoinPubKey = &pub
	return m
}

// wire JSON shapes ----------------------------------------------------

type wireEnvelope struct {
	Version string          `json:"version"`
	Type    msgType         `json:"type"`
	Npub    *PubKey         `json:"npub,omitempty"`
	Address string          `json:"address,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Psbt    string          `json:"psbt,omitempty"`
	Transaction string      `json:"transaction,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
}

type wireInput struct {
	TxIn    string `json:"txin"`
	Witness string `json:"witness"`
	Amount  int64  `json:"amount"`
}

type wireCredentials struct {
	ID  string `json:"id"`
	Key SecKey `json:"key"`
}

// MarshalJSON renders m in its stable on-wire shape: a mandatory version
// tag, a type discriminator, and per-type payload keys.
func (m PoolMessage) MarshalJSON() ([]byte, error) {
	env := wireEnvelope{Version: CurrentVersion, Type: m.kind}

	switch m.kind {
	case typeJoin:
		env.Npub = m.JoinPubKey
	case typeCredentials:
		raw, err := json.Marshal(wireCredentials{ID: m.Credentials.ID, Key: m.Credentials.Key})
		if err != nil {
			return nil, fmt.Errorf("poolmsg: marshal credentials: %w", err)
		}
		env.Credentials = raw
	case typeOutput:
		env.Address = m.OutputAddress
	case typeInput:
		if m.Input.TxIn == nil {
			return nil, fmt.Errorf("poolmsg: marshal input: txin missing")
		}
		wi := wireInput{
			TxIn:    hex.EncodeToString(encodeTxIn(m.Input.TxIn)),
			Witness: hex.EncodeToString(encodeWitness(m.Input.TxIn.Witness)),
		}
		if m.Input.Amount != nil {
			wi.Amount = int64(*m.Input.Amount)
		}
		raw, err := json.Marshal(wi)
		if err != nil {
			return nil, fmt.Errorf("poolmsg: marshal input: %w", err)
		}
		env.Input = raw
	case typePsbt:
		b64, err := m.Psbt.B64Encode()
		if err != nil {
			return nil, fmt.Errorf("poolmsg: marshal psbt: %w", err)
		}
		env.Psbt = b64
	case typeTransaction:
		var buf bytes.Buffer
		if err := m.Transaction.Serialize(&buf); err != nil {
			return nil, fmt.Errorf("poolmsg: marshal transaction: %w", err)
		}
		env.Transaction = hex.EncodeToString(buf.Bytes())
	default:
		return nil, fmt.Errorf("poolmsg: marshal: unset message kind")
	}

	return json.Marshal(env)
}

// UnmarshalJSON parses a wire payload into m, rejecting a missing/wrong
// version tag or an unknown type discriminator.
func (m *PoolMessage) UnmarshalJSON(b []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("poolmsg: unmarshal: %w", err)
	}
	if env.Version == "" {
		return fmt.Errorf("poolmsg: missing version")
	}
	if env.Version != CurrentVersion {
		return fmt.Errorf("poolmsg: unsupported version %q", env.Version)
	}

	switch env.Type {
	case typeJoin:
		*m = PoolMessage{kind: typeJoin, JoinPubKey: env.Npub}
	case typeCredentials:
		if env.Credentials == nil {
			return fmt.Errorf("poolmsg: credentials: missing payload")
		}
		var wc wireCredentials
		if err := json.Unmarshal(env.Credentials, &wc); err != nil {
			return fmt.Errorf("poolmsg: credentials: %w", err)
		}
		*m = PoolMessage{kind: typeCredentials, Credentials: Credentials{ID: wc.ID, Key: wc.Key}}
	case typeOutput:
		if env.Address == "" {
			return fmt.Errorf("poolmsg: output: missing address")
		}
		*m = PoolMessage{kind: typeOutput, OutputAddress: env.Address}
	case typeInput:
		if env.Input == nil {
			return fmt.Errorf("poolmsg: input: missing payload")
		}
		var wi wireInput
		if err := json.Unmarshal(env.Input, &wi); err != nil {
			return fmt.Errorf("poolmsg: input: %w", err)
		}
		rawTxIn, err := hex.DecodeString(wi.TxIn)
		if err != nil {
			return fmt.Errorf("poolmsg: input: txin hex: %w", err)
		}
		txin, err := decodeTxIn(rawTxIn)
		if err != nil {
			return fmt.Errorf("poolmsg: input: %w", err)
		}
		rawWit, err := hex.DecodeString(wi.Witness)
		if err != nil {
			return fmt.Errorf("poolmsg: input: witness hex: %w", err)
		}
		wit, err := decodeWitness(rawWit)
		if err != nil {
			return fmt.Errorf("poolmsg: input: %w", err)
		}
		txin.Witness = wit
		amount := btcutil.Amount(wi.Amount)
		*m = PoolMessage{kind: typeInput, Input: SignedInput{TxIn: txin, Amount: &amount}}
	case typePsbt:
		if env.Psbt == "" {
			return fmt.Errorf("poolmsg: psbt: missing payload")
		}
		pkt, err := psbt.NewFromRawBytes(strings.NewReader(env.Psbt), true)
		if err != nil {
			return fmt.Errorf("poolmsg: psbt: %w", err)
		}
		*m = PoolMessage{kind: typePsbt, Psbt: pkt}
	case typeTransaction:
		if env.Transaction == "" {
			return fmt.Errorf("poolmsg: transaction: missing payload")
		}
		raw, err := hex.DecodeString(env.Transaction)
		if err != nil {
			return fmt.Errorf("poolmsg: transaction: hex: %w", err)
		}
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("poolmsg: transaction: %w", err)
		}
		*m = PoolMessage{kind: typeTransaction, Transaction: tx}
	case "":
		return fmt.Errorf("poolmsg: missing type")
	default:
		return fmt.Errorf("poolmsg: unknown type %q", env.Type)
	}
	return nil
}

// SinglePsbtInput extracts the lone signed input from a Psbt message.
// This implementation assumes exactly one input per Psbt message and
// rejects anything else.
func SinglePsbtInput(p *psbt.Packet) (SignedInput, error) {
	if len(p.UnsignedTx.TxIn) != 1 || len(p.Inputs) != 1 {
		return SignedInput{}, fmt.Errorf("poolmsg: psbt: expected exactly one input, got %d", len(p.UnsignedTx.TxIn))
	}
	txin := *p.UnsignedTx.TxIn[0]
	pin := p.Inputs[0]
	if len(txin.Witness) == 0 {
		if len(pin.FinalScriptWitness) == 0 {
			return SignedInput{}, fmt.Errorf("poolmsg: psbt: witness missing")
		}
		wit, err := decodeWitness(pin.FinalScriptWitness)
		if err != nil {
			return SignedInput{}, fmt.Errorf("poolmsg: psbt: final_script_witness: %w", err)
		}
		txin.Witness = wit
	}
	return SignedInput{TxIn: &txin}, nil
}
