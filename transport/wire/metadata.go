// Package wire defines the binary payload piggybacked on a migration's
// last stage: the worker-side request metadata the destination needs to
// resume the request (sampling params, token ids, block table). It is
// hand-encoded against the tinylib/msgp runtime helpers rather than
// generated, since the type is small and changes rarely.
package wire

import (
	"github.com/tinylib/msgp/msgp"

	"github.com/nvidia/kvfleet/block"
	"github.com/nvidia/kvfleet/request"
)

// WorkerMetadata is the wire form of one request's resumable state.
type WorkerMetadata struct {
	RequestID     string
	ServerID      string
	Temperature   float64
	TopP          float64
	MaxTokens     int32
	ExpectedSteps int32
	TokenIDs      []int32
	BlockTable    []int32
}

func FromRequest(r *request.Request) *WorkerMetadata {
	tbl := make([]int32, len(r.BlockTable))
	for i, b := range r.BlockTable {
		tbl[i] = int32(b)
	}
	return &WorkerMetadata{
		RequestID:     r.ID,
		ServerID:      r.ServerID,
		Temperature:   r.Sampling.Temperature,
		TopP:          r.Sampling.TopP,
		MaxTokens:     int32(r.Sampling.MaxTokens),
		ExpectedSteps: int32(r.ExpectedSteps),
		TokenIDs:      append([]int32(nil), r.TokenIDs...),
		BlockTable:    tbl,
	}
}

func (m *WorkerMetadata) ToRequest() *request.Request {
	bt := make(block.Table, len(m.BlockTable))
	for i, b := range m.BlockTable {
		bt[i] = block.ID(b)
	}
	return &request.Request{
		ID:            m.RequestID,
		ServerID:      m.ServerID,
		Sampling:      request.SamplingParams{Temperature: m.Temperature, TopP: m.TopP, MaxTokens: int(m.MaxTokens)},
		ExpectedSteps: int(m.ExpectedSteps),
		TokenIDs:      append([]int32(nil), m.TokenIDs...),
		BlockTable:    bt,
	}
}

// MarshalMsg appends the MessagePack encoding of m to b.
func (m *WorkerMetadata) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 8)
	o = msgp.AppendString(o, "request_id")
	o = msgp.AppendString(o, m.RequestID)
	o = msgp.AppendString(o, "server_id")
	o = msgp.AppendString(o, m.ServerID)
	o = msgp.AppendString(o, "temperature")
	o = msgp.AppendFloat64(o, m.Temperature)
	o = msgp.AppendString(o, "top_p")
	o = msgp.AppendFloat64(o, m.TopP)
	o = msgp.AppendString(o, "max_tokens")
	o = msgp.AppendInt32(o, m.MaxTokens)
	o = msgp.AppendString(o, "expected_steps")
	o = msgp.AppendInt32(o, m.ExpectedSteps)
	o = msgp.AppendString(o, "token_ids")
	o = appendInt32Array(o, m.TokenIDs)
	o = msgp.AppendString(o, "block_table")
	o = appendInt32Array(o, m.BlockTable)
	return o, nil
}

func appendInt32Array(o []byte, vals []int32) []byte {
	o = msgp.AppendArrayHeader(o, uint32(len(vals)))
	for _, v := range vals {
		o = msgp.AppendInt32(o, v)
	}
	return o
}

func readInt32Array(o []byte) ([]int32, []byte, error) {
	n, o, err := msgp.ReadArrayHeaderBytes(o)
	if err != nil {
		return nil, o, err
	}
	out := make([]int32, n)
	for i := range out {
		out[i], o, err = msgp.ReadInt32Bytes(o)
		if err != nil {
			return nil, o, err
		}
	}
	return out, o, nil
}

// UnmarshalMsg decodes m from the MessagePack bytes in b, returning any
// unconsumed trailing bytes.
func (m *WorkerMetadata) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, o, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, o, err = msgp.ReadStringBytes(o)
		if err != nil {
			return b, err
		}
		switch key {
		case "request_id":
			m.RequestID, o, err = msgp.ReadStringBytes(o)
		case "server_id":
			m.ServerID, o, err = msgp.ReadStringBytes(o)
		case "temperature":
			m.Temperature, o, err = msgp.ReadFloat64Bytes(o)
		case "top_p":
			m.TopP, o, err = msgp.ReadFloat64Bytes(o)
		case "max_tokens":
			m.MaxTokens, o, err = msgp.ReadInt32Bytes(o)
		case "expected_steps":
			m.ExpectedSteps, o, err = msgp.ReadInt32Bytes(o)
		case "token_ids":
			m.TokenIDs, o, err = readInt32Array(o)
		case "block_table":
			m.BlockTable, o, err = readInt32Array(o)
		default:
			o, err = msgp.Skip(o)
		}
		if err != nil {
			return b, err
		}
	}
	return o, nil
}
