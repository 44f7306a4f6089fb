package poolmsg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// encodeTxIn writes the consensus serialization of outpoint, signature
// script (length-prefixed; empty for a native segwit coinjoin input) and
// sequence for txin, excluding the witness: btcd's wire package only
// serializes a TxIn as part of a full MsgTx, so this is a minimal
// standalone codec mirroring that same byte layout.
func encodeTxIn(txin *wire.TxIn) []byte {
	var buf bytes.Buffer
	buf.Write(txin.PreviousOutPoint.Hash[:])
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], txin.PreviousOutPoint.Index)
	buf.Write(idx[:])
	writeVarBytes(&buf, txin.SignatureScript)
	var seq [4]byte
	binary.LittleEndian.PutUint32(seq[:], uint32(txin.Sequence))
	buf.Write(seq[:])
	return buf.Bytes()
}

func decodeTxIn(data []byte) (*wire.TxIn, error) {
	r := bytes.NewReader(data)
	var hash chainhash.Hash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return nil, fmt.Errorf("poolmsg: txin: outpoint hash: %w", err)
	}
	var idx [4]byte
	if _, err := io.ReadFull(r, idx[:]); err != nil {
		return nil, fmt.Errorf("poolmsg: txin: outpoint index: %w", err)
	}
	sigScript, err := readVarBytes(r)
	if err != nil {
		return nil, fmt.Errorf("poolmsg: txin: sig script: %w", err)
	}
	var seq [4]byte
	if _, err := io.ReadFull(r, seq[:]); err != nil {
		return nil, fmt.Errorf("poolmsg: txin: sequence: %w", err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("poolmsg: txin: %d trailing bytes", r.Len())
	}
	return &wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: hash, Index: binary.LittleEndian.Uint32(idx[:])},
		SignatureScript:  sigScript,
		Sequence:         binary.LittleEndian.Uint32(seq[:]),
	}, nil
}

// encodeWitness serializes a witness stack the way wire.MsgTx does inline,
// as its own field since the txin codec above omits it.
func encodeWitness(w wire.TxWitness) []byte {
	var buf bytes.Buffer
	writeVarInt(&buf, uint64(len(w)))
	for _, item := range w {
		writeVarBytes(&buf, item)
	}
	return buf.Bytes()
}

func decodeWitness(data []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(data)
	count, err := readVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("poolmsg: witness: count: %w", err)
	}
	wit := make(wire.TxWitness, 0, count)
	for i := uint64(0); i < count; i++ {
		item, err := readVarBytes(r)
		if err != nil {
			return nil, fmt.Errorf("poolmsg: witness: item %d: %w", i, err)
		}
		wit = append(wit, item)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("poolmsg: witness: %d trailing bytes", r.Len())
	}
	return wit, nil
}

func writeVarInt(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		buf.Write(b[:])
	case n <= 0xffffffff:
		buf.WriteByte(0xfe)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		buf.Write(b[:])
	default:
		buf.WriteByte(0xff)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], n)
		buf.Write(b[:])
	}
}

func readVarInt(r *bytes.Reader) (uint64, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch prefix {
	case 0xfd:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b[:])), nil
	case 0xfe:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b[:])), nil
	case 0xff:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	default:
		return uint64(prefix), nil
	}
}

func writeVarBytes(buf *bytes.Buffer, data []byte) {
	writeVarInt(buf, uint64(len(data)))
	buf.Write(data)
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
