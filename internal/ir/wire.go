package ir

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ParseModel parses an ONNX model from bytes.
func ParseModel(data []byte) (*ModelProto, error) {
	p := &parser{data: data}
	model := &ModelProto{}
	if err := p.readMessage(model); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return model, nil
}

// parser implements a minimal protobuf wire format decoder.
type parser struct {
	data []byte
	pos  int
}

// Protobuf wire types.
const (
	wireVarint = 0 // int32, int64, uint32, uint64, sint32, sint64, bool, enum
	wire64Bit  = 1 // fixed64, sfixed64, double
	wireBytes  = 2 // string, bytes, embedded messages, packed repeated fields
	wire32Bit  = 5 // fixed32, sfixed32, float
)

// readMessage reads a protobuf message into the given struct.
func (p *parser) readMessage(msg interface{}) error {
	switch m := msg.(type) {
	case *ModelProto:
		return p.readModelProto(m)
	case *GraphProto:
		return p.readGraphProto(m)
	case *NodeProto:
		return p.readNodeProto(m)
	case *TensorProto:
		return p.readTensorProto(m)
	case *ValueInfoProto:
		return p.readValueInfoProto(m)
	case *TypeProto:
		return p.readTypeProto(m)
	case *TensorTypeProto:
		return p.readTensorTypeProto(m)
	case *TensorShapeProto:
		return p.readTensorShapeProto(m)
	case *DimensionProto:
		return p.readDimensionProto(m)
	case *AttributeProto:
		return p.readAttributeProto(m)
	case *OperatorSetID:
		return p.readOperatorSetID(m)
	case *StringStringEntry:
		return p.readStringStringEntry(m)
	default:
		return fmt.Errorf("unknown message type: %T", msg)
	}
}

// readSub reads a length-delimited embedded message.
func (p *parser) readSub(msg interface{}) error {
	data, err := p.readBytes()
	if err != nil {
		return err
	}
	sub := &parser{data: data}
	return sub.readMessage(msg)
}

// readModelProto reads ModelProto message.
func (p *parser) readModelProto(m *ModelProto) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // ir_version
			return p.readVarintInto(&m.IRVersion)
		case 2: // producer_name
			return p.readStringInto(&m.ProducerName)
		case 3: // producer_version
			return p.readStringInto(&m.ProducerVersion)
		case 4: // domain
			return p.readStringInto(&m.Domain)
		case 5: // model_version
			return p.readVarintInto(&m.ModelVersion)
		case 6: // doc_string
			return p.readStringInto(&m.DocString)
		case 7: // graph
			m.Graph = &GraphProto{}
			return p.readSub(m.Graph)
		case 8: // opset_import
			opset := OperatorSetID{}
			if err := p.readSub(&opset); err != nil {
				return err
			}
			m.OpsetImport = append(m.OpsetImport, opset)
			return nil
		case 14: // metadata_props
			entry := StringStringEntry{}
			if err := p.readSub(&entry); err != nil {
				return err
			}
			m.MetadataProps = append(m.MetadataProps, entry)
			return nil
		default:
			return p.skipField(wireType)
		}
	})
}

// readGraphProto reads GraphProto message.
func (p *parser) readGraphProto(m *GraphProto) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // node
			node := NodeProto{}
			if err := p.readSub(&node); err != nil {
				return err
			}
			m.Nodes = append(m.Nodes, node)
			return nil
		case 2: // name
			return p.readStringInto(&m.Name)
		case 5: // initializer
			tensor := TensorProto{}
			if err := p.readSub(&tensor); err != nil {
				return err
			}
			m.Initializers = append(m.Initializers, tensor)
			return nil
		case 10: // doc_string
			return p.readStringInto(&m.DocString)
		case 11: // input
			vi := ValueInfoProto{}
			if err := p.readSub(&vi); err != nil {
				return err
			}
			m.Inputs = append(m.Inputs, vi)
			return nil
		case 12: // output
			vi := ValueInfoProto{}
			if err := p.readSub(&vi); err != nil {
				return err
			}
			m.Outputs = append(m.Outputs, vi)
			return nil
		case 13: // value_info
			vi := ValueInfoProto{}
			if err := p.readSub(&vi); err != nil {
				return err
			}
			m.ValueInfo = append(m.ValueInfo, vi)
			return nil
		default:
			return p.skipField(wireType)
		}
	})
}

// readNodeProto reads NodeProto message.
func (p *parser) readNodeProto(m *NodeProto) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // input
			s, err := p.readString()
			if err != nil {
				return err
			}
			m.Inputs = append(m.Inputs, s)
			return nil
		case 2: // output
			s, err := p.readString()
			if err != nil {
				return err
			}
			m.Outputs = append(m.Outputs, s)
			return nil
		case 3: // name
			return p.readStringInto(&m.Name)
		case 4: // op_type
			return p.readStringInto(&m.OpType)
		case 5: // attribute
			attr := AttributeProto{}
			if err := p.readSub(&attr); err != nil {
				return err
			}
			m.Attributes = append(m.Attributes, attr)
			return nil
		case 6: // doc_string
			return p.readStringInto(&m.DocString)
		case 7: // domain
			return p.readStringInto(&m.Domain)
		default:
			return p.skipField(wireType)
		}
	})
}

// readTensorProto reads TensorProto message.
func (p *parser) readTensorProto(m *TensorProto) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // dims (repeated int64)
			return p.readRepeatedVarint(wireType, &m.Dims)
		case 2: // data_type
			return p.readInt32Into(&m.DataType)
		case 4: // float_data (packed)
			return p.readPackedFloats(&m.FloatData)
		case 5: // int32_data (packed)
			var vals []int64
			if err := p.readRepeatedVarint(wireType, &vals); err != nil {
				return err
			}
			for _, v := range vals {
				m.Int32Data = append(m.Int32Data, int32(v)) //nolint:gosec // G115: ONNX protobuf varint fits in int32.
			}
			return nil
		case 7: // int64_data (packed)
			return p.readRepeatedVarint(wireType, &m.Int64Data)
		case 8: // name
			return p.readStringInto(&m.Name)
		case 9: // raw_data
			data, err := p.readBytes()
			if err != nil {
				return err
			}
			m.RawData = data
			return nil
		case 12: // doc_string
			return p.readStringInto(&m.DocString)
		default:
			return p.skipField(wireType)
		}
	})
}

// readValueInfoProto reads ValueInfoProto message.
func (p *parser) readValueInfoProto(m *ValueInfoProto) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // name
			return p.readStringInto(&m.Name)
		case 2: // type
			m.Type = &TypeProto{}
			return p.readSub(m.Type)
		case 3: // doc_string
			return p.readStringInto(&m.DocString)
		default:
			return p.skipField(wireType)
		}
	})
}

// readTypeProto reads TypeProto message.
func (p *parser) readTypeProto(m *TypeProto) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // tensor_type
			m.TensorType = &TensorTypeProto{}
			return p.readSub(m.TensorType)
		default:
			return p.skipField(wireType)
		}
	})
}

// readTensorTypeProto reads TensorTypeProto message.
func (p *parser) readTensorTypeProto(m *TensorTypeProto) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // elem_type
			return p.readInt32Into(&m.ElemType)
		case 2: // shape
			m.Shape = &TensorShapeProto{}
			return p.readSub(m.Shape)
		default:
			return p.skipField(wireType)
		}
	})
}

// readTensorShapeProto reads TensorShapeProto message.
func (p *parser) readTensorShapeProto(m *TensorShapeProto) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // dim
			dim := DimensionProto{}
			if err := p.readSub(&dim); err != nil {
				return err
			}
			m.Dims = append(m.Dims, dim)
			return nil
		default:
			return p.skipField(wireType)
		}
	})
}

// readDimensionProto reads DimensionProto message.
func (p *parser) readDimensionProto(m *DimensionProto) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // dim_value
			return p.readVarintInto(&m.DimValue)
		case 2: // dim_param
			return p.readStringInto(&m.DimParam)
		default:
			return p.skipField(wireType)
		}
	})
}

// readAttributeProto reads AttributeProto message.
func (p *parser) readAttributeProto(m *AttributeProto) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // name
			return p.readStringInto(&m.Name)
		case 2: // f (float)
			f, err := p.readFloat32()
			if err != nil {
				return err
			}
			m.F = f
			return nil
		case 3: // i (int)
			return p.readVarintInto(&m.I)
		case 4: // s (bytes)
			data, err := p.readBytes()
			if err != nil {
				return err
			}
			m.S = data
			return nil
		case 5: // t (tensor)
			m.T = &TensorProto{}
			return p.readSub(m.T)
		case 6: // g (subgraph)
			m.G = &GraphProto{}
			return p.readSub(m.G)
		case 7: // floats (packed)
			return p.readPackedFloats(&m.Floats)
		case 8: // ints (packed)
			return p.readRepeatedVarint(wireType, &m.Ints)
		case 9: // strings
			data, err := p.readBytes()
			if err != nil {
				return err
			}
			m.Strings = append(m.Strings, data)
			return nil
		case 11: // graphs
			g := GraphProto{}
			if err := p.readSub(&g); err != nil {
				return err
			}
			m.Graphs = append(m.Graphs, g)
			return nil
		case 13: // doc_string
			return p.readStringInto(&m.DocString)
		case 20: // type
			return p.readInt32Into(&m.Type)
		default:
			return p.skipField(wireType)
		}
	})
}

// readOperatorSetID reads OperatorSetID message.
func (p *parser) readOperatorSetID(m *OperatorSetID) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // domain
			return p.readStringInto(&m.Domain)
		case 2: // version
			return p.readVarintInto(&m.Version)
		default:
			return p.skipField(wireType)
		}
	})
}

// readStringStringEntry reads StringStringEntry message.
func (p *parser) readStringStringEntry(m *StringStringEntry) error {
	return p.readFields(func(fieldNum, wireType int) error {
		switch fieldNum {
		case 1: // key
			return p.readStringInto(&m.Key)
		case 2: // value
			return p.readStringInto(&m.Value)
		default:
			return p.skipField(wireType)
		}
	})
}

// readFields drives the tag/field loop, delegating each field to read.
func (p *parser) readFields(read func(fieldNum, wireType int) error) error {
	for p.pos < len(p.data) {
		fieldNum, wireType, err := p.readTag()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if err := read(fieldNum, wireType); err != nil {
			return err
		}
	}
	return nil
}

// readTag reads a protobuf field tag.
func (p *parser) readTag() (fieldNum, wireType int, err error) {
	if p.pos >= len(p.data) {
		return 0, 0, io.EOF
	}
	tag, err := p.readVarint()
	if err != nil {
		return 0, 0, err
	}
	fieldNum = int(tag >> 3)
	wireType = int(tag & 0x7)
	return fieldNum, wireType, nil
}

// readVarint reads a varint-encoded int64.
func (p *parser) readVarint() (int64, error) {
	var result uint64
	var shift uint
	for {
		if p.pos >= len(p.data) {
			return 0, io.EOF
		}
		b := p.data[p.pos]
		p.pos++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= 64 {
			return 0, errors.New("varint overflow")
		}
	}
	return int64(result), nil //nolint:gosec // G115: Protobuf varint fits in int64.
}

// readVarintInto reads a varint into dst.
func (p *parser) readVarintInto(dst *int64) error {
	v, err := p.readVarint()
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// readInt32Into reads a varint-encoded int32 into dst.
func (p *parser) readInt32Into(dst *int32) error {
	v, err := p.readVarint()
	if err != nil {
		return err
	}
	*dst = int32(v) //nolint:gosec // G115: Protobuf varint fits in int32.
	return nil
}

// readRepeatedVarint reads a repeated int64 field, packed or not.
func (p *parser) readRepeatedVarint(wireType int, dst *[]int64) error {
	if wireType == wireBytes {
		data, err := p.readBytes()
		if err != nil {
			return err
		}
		sub := &parser{data: data}
		for sub.pos < len(sub.data) {
			v, err := sub.readVarint()
			if err != nil {
				return err
			}
			*dst = append(*dst, v)
		}
		return nil
	}
	v, err := p.readVarint()
	if err != nil {
		return err
	}
	*dst = append(*dst, v)
	return nil
}

// readPackedFloats reads a packed repeated float field.
func (p *parser) readPackedFloats(dst *[]float32) error {
	data, err := p.readBytes()
	if err != nil {
		return err
	}
	for i := 0; i+4 <= len(data); i += 4 {
		bits := binary.LittleEndian.Uint32(data[i:])
		*dst = append(*dst, math.Float32frombits(bits))
	}
	return nil
}

// readBytes reads a length-delimited byte slice.
func (p *parser) readBytes() ([]byte, error) {
	length, err := p.readVarint()
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, errors.New("negative length")
	}
	end := p.pos + int(length)
	if end > len(p.data) {
		return nil, io.ErrUnexpectedEOF
	}
	result := p.data[p.pos:end]
	p.pos = end
	return result, nil
}

// readString reads a length-delimited string.
func (p *parser) readString() (string, error) {
	data, err := p.readBytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readStringInto reads a length-delimited string into dst.
func (p *parser) readStringInto(dst *string) error {
	s, err := p.readString()
	if err != nil {
		return err
	}
	*dst = s
	return nil
}

// readFloat32 reads a 32-bit float.
func (p *parser) readFloat32() (float32, error) {
	if p.pos+4 > len(p.data) {
		return 0, io.ErrUnexpectedEOF
	}
	bits := binary.LittleEndian.Uint32(p.data[p.pos:])
	p.pos += 4
	return math.Float32frombits(bits), nil
}

// skipField skips a field based on wire type.
func (p *parser) skipField(wireType int) error {
	switch wireType {
	case wireVarint:
		_, err := p.readVarint()
		return err
	case wire64Bit:
		if p.pos+8 > len(p.data) {
			return io.ErrUnexpectedEOF
		}
		p.pos += 8
		return nil
	case wireBytes:
		_, err := p.readBytes()
		return err
	case wire32Bit:
		if p.pos+4 > len(p.data) {
			return io.ErrUnexpectedEOF
		}
		p.pos += 4
		return nil
	default:
		return fmt.Errorf("unknown wire type: %d", wireType)
	}
}
