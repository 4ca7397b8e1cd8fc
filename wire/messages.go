package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Member is the wire form of a rendezvous member.
type Member struct {
	Rank      int64
	WorldSize int64
	Addr      string
	Hostname  string
}

func (m *Member) AppendWire(b []byte) []byte {
	b = appendSintField(b, 1, m.Rank)
	b = appendSintField(b, 2, m.WorldSize)
	b = appendStringField(b, 3, m.Addr)
	b = appendStringField(b, 4, m.Hostname)
	return b
}

func (m *Member) UnmarshalWire(b []byte) error {
	*m = Member{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeSint(typ, b, &m.Rank)
		case 2:
			return consumeSint(typ, b, &m.WorldSize)
		case 3:
			return consumeString(typ, b, &m.Addr)
		case 4:
			return consumeString(typ, b, &m.Hostname)
		}
		return 0, nil
	})
}

func appendMessageField(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.AppendWire(nil))
}

func consumeMessage(typ protowire.Type, b []byte, m Message) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, m.UnmarshalWire(v)
}

// JoinRequest announces a member to the rendezvous store.
type JoinRequest struct {
	Member *Member
}

func (r *JoinRequest) AppendWire(b []byte) []byte {
	if r.Member != nil {
		b = appendMessageField(b, 1, r.Member)
	}
	return b
}

func (r *JoinRequest) UnmarshalWire(b []byte) error {
	*r = JoinRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			r.Member = &Member{}
			return consumeMessage(typ, b, r.Member)
		}
		return 0, nil
	})
}

// JoinResponse carries the complete member table once every rank arrived.
type JoinResponse struct {
	RunID   string
	Members []*Member
}

func (r *JoinResponse) AppendWire(b []byte) []byte {
	b = appendStringField(b, 1, r.RunID)
	for _, m := range r.Members {
		b = appendMessageField(b, 2, m)
	}
	return b
}

func (r *JoinResponse) UnmarshalWire(b []byte) error {
	*r = JoinResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &r.RunID)
		case 2:
			m := &Member{}
			n, err := consumeMessage(typ, b, m)
			if n > 0 && err == nil {
				r.Members = append(r.Members, m)
			}
			return n, err
		}
		return 0, nil
	})
}

// KVRequest is used for Set, Get and Add against the rendezvous store.
type KVRequest struct {
	Key   string
	Value []byte
	Delta int64
}

func (r *KVRequest) AppendWire(b []byte) []byte {
	b = appendStringField(b, 1, r.Key)
	b = appendBytesField(b, 2, r.Value)
	b = appendSintField(b, 3, r.Delta)
	return b
}

func (r *KVRequest) UnmarshalWire(b []byte) error {
	*r = KVRequest{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &r.Key)
		case 2:
			return consumeBytes(typ, b, &r.Value)
		case 3:
			return consumeSint(typ, b, &r.Delta)
		}
		return 0, nil
	})
}

type KVResponse struct {
	Value   []byte
	Found   bool
	Counter int64
}

func (r *KVResponse) AppendWire(b []byte) []byte {
	b = appendBytesField(b, 1, r.Value)
	b = appendVarintField(b, 2, protowire.EncodeBool(r.Found))
	b = appendSintField(b, 3, r.Counter)
	return b
}

func (r *KVResponse) UnmarshalWire(b []byte) error {
	*r = KVResponse{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBytes(typ, b, &r.Value)
		case 2:
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			r.Found = protowire.DecodeBool(v)
			return n, err
		case 3:
			return consumeSint(typ, b, &r.Counter)
		}
		return 0, nil
	})
}

// Envelope carries one rank's contribution to a collective.
type Envelope struct {
	Seq    uint64
	Op     string
	Src    int64
	Values []float64
}

func (e *Envelope) AppendWire(b []byte) []byte {
	b = appendVarintField(b, 1, e.Seq)
	b = appendStringField(b, 2, e.Op)
	b = appendSintField(b, 3, e.Src)
	if len(e.Values) > 0 {
		packed := make([]byte, 0, 8*len(e.Values))
		for _, v := range e.Values {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = appendBytesField(b, 4, packed)
	}
	return b
}

func (e *Envelope) UnmarshalWire(b []byte) error {
	*e = Envelope{}
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, &e.Seq)
		case 2:
			return consumeString(typ, b, &e.Op)
		case 3:
			return consumeSint(typ, b, &e.Src)
		case 4:
			return e.consumeValues(typ, b)
		}
		return 0, nil
	})
}

func (e *Envelope) consumeValues(typ protowire.Type, b []byte) (int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return n, nil
		}
		e.Values = append(e.Values, math.Float64frombits(v))
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed64(packed)
			if m < 0 {
				return m, nil
			}
			e.Values = append(e.Values, math.Float64frombits(v))
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, nil
}

// Ack is the empty reply to a delivered envelope.
type Ack struct{}

func (*Ack) AppendWire(b []byte) []byte { return b }

func (a *Ack) UnmarshalWire(b []byte) error {
	return decodeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return 0, nil
	})
}
