package node

import (
	"encoding/json"
	"fmt"
)

// PortType identifies the data type carried by a port.
type PortType string

const (
	// PortInt is a 64-bit signed integer port.
	PortInt PortType = "Int"
	// PortFloat is a 64-bit float port.
	PortFloat PortType = "Float"
	// PortStr is a string port.
	PortStr PortType = "Str"
	// PortBool is a boolean port.
	PortBool PortType = "Bool"
	// PortPath is a filesystem path port.
	PortPath PortType = "Path"
	// PortWorkflowPath is a path to a nested workflow document.
	PortWorkflowPath PortType = "WorkflowPath"
	// PortMetadata is a media metadata record port.
	PortMetadata PortType = "Metadata"
	// PortModel is a loaded model handle port.
	PortModel PortType = "Model"
	// PortVideoFrames marks a streaming edge. Frames flow through the
	// executor, never through execute() parameter maps.
	PortVideoFrames PortType = "VideoFrames"
)

// ParsePortType converts a string to a PortType. VideoFrames is rejected
// because streaming edges cannot be declared through scalar interfaces.
func ParsePortType(s string) (PortType, bool) {
	switch PortType(s) {
	case PortInt, PortFloat, PortStr, PortBool, PortPath, PortWorkflowPath:
		return PortType(s), true
	default:
		return "", false
	}
}

// StreamInfo describes one non-video stream in a media container.
type StreamInfo struct {
	Index     int               `json:"index"`
	CodecName string            `json:"codec_name"`
	CodecType string            `json:"codec_type"`
	Language  string            `json:"language,omitempty"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Chapter describes a chapter marker in a media container.
type Chapter struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Title     string  `json:"title,omitempty"`
}

// MediaMetadata is the probe record passed from a source node to a sink node
// so non-video streams and chapters survive the pass-through mux.
type MediaMetadata struct {
	SourcePath        string            `json:"source_path"`
	AudioStreams      []StreamInfo      `json:"audio_streams,omitempty"`
	SubtitleStreams   []StreamInfo      `json:"subtitle_streams,omitempty"`
	AttachmentStreams []StreamInfo      `json:"attachment_streams,omitempty"`
	Chapters          []Chapter         `json:"chapters,omitempty"`
	GlobalMetadata    map[string]string `json:"global_metadata,omitempty"`
	ContainerFormat   string            `json:"container_format,omitempty"`
}

// Clone returns a deep copy of the metadata record.
func (m *MediaMetadata) Clone() *MediaMetadata {
	if m == nil {
		return nil
	}
	out := &MediaMetadata{
		SourcePath:      m.SourcePath,
		ContainerFormat: m.ContainerFormat,
	}
	out.AudioStreams = cloneStreams(m.AudioStreams)
	out.SubtitleStreams = cloneStreams(m.SubtitleStreams)
	out.AttachmentStreams = cloneStreams(m.AttachmentStreams)
	if m.Chapters != nil {
		out.Chapters = make([]Chapter, len(m.Chapters))
		copy(out.Chapters, m.Chapters)
	}
	out.GlobalMetadata = cloneStringMap(m.GlobalMetadata)
	return out
}

func cloneStreams(in []StreamInfo) []StreamInfo {
	if in == nil {
		return nil
	}
	out := make([]StreamInfo, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Metadata = cloneStringMap(s.Metadata)
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// PortData is a scalar value moving through non-streaming edges during
// compilation and sequential execution. Exactly one field is populated,
// matching Type.
type PortData struct {
	Type     PortType
	Int      int64
	Float    float64
	Str      string
	Bool     bool
	Path     string
	Metadata *MediaMetadata
}

// IntData builds an Int PortData.
func IntData(v int64) PortData { return PortData{Type: PortInt, Int: v} }

// FloatData builds a Float PortData.
func FloatData(v float64) PortData { return PortData{Type: PortFloat, Float: v} }

// StrData builds a Str PortData.
func StrData(v string) PortData { return PortData{Type: PortStr, Str: v} }

// BoolData builds a Bool PortData.
func BoolData(v bool) PortData { return PortData{Type: PortBool, Bool: v} }

// PathData builds a Path PortData.
func PathData(v string) PortData { return PortData{Type: PortPath, Path: v} }

// MetadataData builds a Metadata PortData.
func MetadataData(m *MediaMetadata) PortData { return PortData{Type: PortMetadata, Metadata: m} }

// Clone returns a deep copy of the port data.
func (d PortData) Clone() PortData {
	out := d
	out.Metadata = d.Metadata.Clone()
	return out
}

// String renders the value for previews and debug output.
func (d PortData) String() string {
	switch d.Type {
	case PortInt:
		return fmt.Sprintf("%d", d.Int)
	case PortFloat:
		return fmt.Sprintf("%g", d.Float)
	case PortStr:
		return d.Str
	case PortBool:
		return fmt.Sprintf("%t", d.Bool)
	case PortPath, PortWorkflowPath:
		return d.Path
	case PortMetadata:
		if d.Metadata == nil {
			return "<nil metadata>"
		}
		return fmt.Sprintf("metadata(%s)", d.Metadata.SourcePath)
	default:
		return fmt.Sprintf("<%s>", d.Type)
	}
}

// PortDataFromJSON decodes a raw JSON value against a declared port type.
// This is the single decode path used for params and port defaults so the
// resolution precedence behaves identically everywhere.
func PortDataFromJSON(portType PortType, value json.RawMessage) (PortData, error) {
	switch portType {
	case PortInt:
		var v int64
		if err := json.Unmarshal(value, &v); err != nil {
			return PortData{}, fmt.Errorf("expected integer JSON value: %w", err)
		}
		return IntData(v), nil
	case PortFloat:
		var v float64
		if err := json.Unmarshal(value, &v); err != nil {
			return PortData{}, fmt.Errorf("expected float JSON value: %w", err)
		}
		return FloatData(v), nil
	case PortStr:
		var v string
		if err := json.Unmarshal(value, &v); err != nil {
			return PortData{}, fmt.Errorf("expected string JSON value: %w", err)
		}
		return StrData(v), nil
	case PortBool:
		var v bool
		if err := json.Unmarshal(value, &v); err != nil {
			return PortData{}, fmt.Errorf("expected bool JSON value: %w", err)
		}
		return BoolData(v), nil
	case PortPath, PortWorkflowPath:
		var v string
		if err := json.Unmarshal(value, &v); err != nil {
			return PortData{}, fmt.Errorf("expected string JSON value for path: %w", err)
		}
		return PathData(v), nil
	case PortMetadata:
		return PortData{}, fmt.Errorf("metadata default values are not supported")
	case PortModel:
		return PortData{}, fmt.Errorf("model default values are not supported")
	case PortVideoFrames:
		return PortData{}, fmt.Errorf("video frame default values are not supported")
	default:
		return PortData{}, fmt.Errorf("unknown port type %q", portType)
	}
}
