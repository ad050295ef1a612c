package ir

import (
	"encoding/binary"
	"errors"
	"math"
)

// EncodeModel serializes a ModelProto to the ONNX protobuf wire format.
// It is the inverse of ParseModel.
func EncodeModel(m *ModelProto) ([]byte, error) {
	if m == nil || m.Graph == nil {
		return nil, errors.New("model has no graph")
	}
	e := &encoder{}
	e.encodeModelProto(m)
	return e.buf, nil
}

// CloneModelProto deep-copies a model by round-tripping it through the wire
// format. Each gradient build starts from such a copy so that one build's
// shape specialization never leaks into the next.
func CloneModelProto(m *ModelProto) (*ModelProto, error) {
	data, err := EncodeModel(m)
	if err != nil {
		return nil, err
	}
	return ParseModel(data)
}

// encoder implements a minimal protobuf wire format encoder.
type encoder struct {
	buf []byte
}

func (e *encoder) encodeModelProto(m *ModelProto) {
	e.varintField(1, m.IRVersion)
	e.stringField(2, m.ProducerName)
	e.stringField(3, m.ProducerVersion)
	e.stringField(4, m.Domain)
	e.varintField(5, m.ModelVersion)
	e.stringField(6, m.DocString)
	if m.Graph != nil {
		sub := &encoder{}
		sub.encodeGraphProto(m.Graph)
		e.msgField(7, sub.buf)
	}
	for i := range m.OpsetImport {
		sub := &encoder{}
		sub.encodeOperatorSetID(&m.OpsetImport[i])
		e.msgField(8, sub.buf)
	}
	for i := range m.MetadataProps {
		sub := &encoder{}
		sub.stringField(1, m.MetadataProps[i].Key)
		sub.stringField(2, m.MetadataProps[i].Value)
		e.msgField(14, sub.buf)
	}
}

func (e *encoder) encodeGraphProto(g *GraphProto) {
	for i := range g.Nodes {
		sub := &encoder{}
		sub.encodeNodeProto(&g.Nodes[i])
		e.msgField(1, sub.buf)
	}
	e.stringField(2, g.Name)
	for i := range g.Initializers {
		sub := &encoder{}
		sub.encodeTensorProto(&g.Initializers[i])
		e.msgField(5, sub.buf)
	}
	e.stringField(10, g.DocString)
	for i := range g.Inputs {
		sub := &encoder{}
		sub.encodeValueInfoProto(&g.Inputs[i])
		e.msgField(11, sub.buf)
	}
	for i := range g.Outputs {
		sub := &encoder{}
		sub.encodeValueInfoProto(&g.Outputs[i])
		e.msgField(12, sub.buf)
	}
	for i := range g.ValueInfo {
		sub := &encoder{}
		sub.encodeValueInfoProto(&g.ValueInfo[i])
		e.msgField(13, sub.buf)
	}
}

func (e *encoder) encodeNodeProto(n *NodeProto) {
	// Empty input names mark absent optional inputs and are positional,
	// so they are encoded unconditionally.
	for _, in := range n.Inputs {
		e.bytesField(1, []byte(in))
	}
	for _, out := range n.Outputs {
		e.bytesField(2, []byte(out))
	}
	e.stringField(3, n.Name)
	e.stringField(4, n.OpType)
	for i := range n.Attributes {
		sub := &encoder{}
		sub.encodeAttributeProto(&n.Attributes[i])
		e.msgField(5, sub.buf)
	}
	e.stringField(6, n.DocString)
	e.stringField(7, n.Domain)
}

func (e *encoder) encodeTensorProto(t *TensorProto) {
	for _, d := range t.Dims {
		e.varintFieldAlways(1, d)
	}
	e.varintField(2, int64(t.DataType))
	e.packedFloats(4, t.FloatData)
	if len(t.Int32Data) > 0 {
		vals := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			vals[i] = int64(v)
		}
		e.packedVarints(5, vals)
	}
	e.packedVarints(7, t.Int64Data)
	e.stringField(8, t.Name)
	if len(t.RawData) > 0 {
		e.bytesField(9, t.RawData)
	}
	e.stringField(12, t.DocString)
}

func (e *encoder) encodeValueInfoProto(v *ValueInfoProto) {
	e.stringField(1, v.Name)
	if v.Type != nil {
		sub := &encoder{}
		sub.encodeTypeProto(v.Type)
		e.msgField(2, sub.buf)
	}
	e.stringField(3, v.DocString)
}

func (e *encoder) encodeTypeProto(t *TypeProto) {
	if t.TensorType != nil {
		sub := &encoder{}
		sub.encodeTensorTypeProto(t.TensorType)
		e.msgField(1, sub.buf)
	}
}

func (e *encoder) encodeTensorTypeProto(t *TensorTypeProto) {
	e.varintField(1, int64(t.ElemType))
	if t.Shape != nil {
		sub := &encoder{}
		sub.encodeTensorShapeProto(t.Shape)
		e.msgField(2, sub.buf)
	}
}

func (e *encoder) encodeTensorShapeProto(s *TensorShapeProto) {
	for i := range s.Dims {
		sub := &encoder{}
		sub.varintField(1, s.Dims[i].DimValue)
		sub.stringField(2, s.Dims[i].DimParam)
		e.msgField(1, sub.buf)
	}
}

func (e *encoder) encodeAttributeProto(a *AttributeProto) {
	e.stringField(1, a.Name)
	if a.Type == AttributeProtoFloat {
		e.floatField(2, a.F)
	}
	if a.Type == AttributeProtoInt {
		e.varintFieldAlways(3, a.I)
	}
	if len(a.S) > 0 {
		e.bytesField(4, a.S)
	}
	if a.T != nil {
		sub := &encoder{}
		sub.encodeTensorProto(a.T)
		e.msgField(5, sub.buf)
	}
	if a.G != nil {
		sub := &encoder{}
		sub.encodeGraphProto(a.G)
		e.msgField(6, sub.buf)
	}
	e.packedFloats(7, a.Floats)
	e.packedVarints(8, a.Ints)
	for _, s := range a.Strings {
		e.bytesField(9, s)
	}
	for i := range a.Graphs {
		sub := &encoder{}
		sub.encodeGraphProto(&a.Graphs[i])
		e.msgField(11, sub.buf)
	}
	e.stringField(13, a.DocString)
	e.varintField(20, int64(a.Type))
}

func (e *encoder) encodeOperatorSetID(o *OperatorSetID) {
	e.stringField(1, o.Domain)
	e.varintField(2, o.Version)
}

// varint appends a varint-encoded value.
func (e *encoder) varint(v uint64) {
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

// tag appends a field tag.
func (e *encoder) tag(fieldNum, wireType int) {
	e.varint(uint64(fieldNum)<<3 | uint64(wireType)) //nolint:gosec // G115: field numbers are small constants.
}

// varintField appends a varint field, omitting the proto3 zero default.
func (e *encoder) varintField(fieldNum int, v int64) {
	if v == 0 {
		return
	}
	e.varintFieldAlways(fieldNum, v)
}

// varintFieldAlways appends a varint field even when zero. Used where zero
// is meaningful, e.g. transA/transB flags and tensor dims.
func (e *encoder) varintFieldAlways(fieldNum int, v int64) {
	e.tag(fieldNum, wireVarint)
	e.varint(uint64(v)) //nolint:gosec // G115: negative values use the standard two's-complement varint form.
}

// floatField appends a 32-bit float field.
func (e *encoder) floatField(fieldNum int, f float32) {
	e.tag(fieldNum, wire32Bit)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
	e.buf = append(e.buf, b[:]...)
}

// bytesField appends a length-delimited field.
func (e *encoder) bytesField(fieldNum int, b []byte) {
	e.tag(fieldNum, wireBytes)
	e.varint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// stringField appends a length-delimited string field, omitting empties.
func (e *encoder) stringField(fieldNum int, s string) {
	if s == "" {
		return
	}
	e.bytesField(fieldNum, []byte(s))
}

// msgField appends an embedded message field.
func (e *encoder) msgField(fieldNum int, body []byte) {
	e.bytesField(fieldNum, body)
}

// packedFloats appends a packed repeated float field.
func (e *encoder) packedFloats(fieldNum int, vals []float32) {
	if len(vals) == 0 {
		return
	}
	body := make([]byte, 0, len(vals)*4)
	var b [4]byte
	for _, f := range vals {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		body = append(body, b[:]...)
	}
	e.bytesField(fieldNum, body)
}

// packedVarints appends a packed repeated int64 field.
func (e *encoder) packedVarints(fieldNum int, vals []int64) {
	if len(vals) == 0 {
		return
	}
	sub := &encoder{}
	for _, v := range vals {
		sub.varint(uint64(v)) //nolint:gosec // G115: standard varint form for int64.
	}
	e.bytesField(fieldNum, sub.buf)
}
