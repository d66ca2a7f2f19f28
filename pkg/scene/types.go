// Package scene owns the Scene Store's data model: scenes, elements,
// viewports, and the kind-specific element payloads.
package scene

import (
	"encoding/json"
	"fmt"
)

// KindType discriminates the tagged sum type for element payloads.
type KindType string

const (
	KindText         KindType = "Text"
	KindChart        KindType = "Chart"
	KindImage        KindType = "Image"
	KindModel3D      KindType = "Model3D"
	KindVideo        KindType = "Video"
	KindOverlayLayer KindType = "OverlayLayer"
	KindGroup        KindType = "Group"
)

// Kind is implemented by every element payload variant. Operations on
// kinds are match-dispatched on Type(), never via a class hierarchy.
type Kind interface {
	Type() KindType
}

type TextKind struct {
	Content  string  `json:"content"`
	FontSize float64 `json:"font_size"`
	Color    string  `json:"color"`
}

func (TextKind) Type() KindType { return KindText }

type ChartKind struct {
	ChartType string          `json:"chart_type"`
	Series    json.RawMessage `json:"series,omitempty"`
}

func (ChartKind) Type() KindType { return KindChart }

type ImageKind struct {
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

func (ImageKind) Type() KindType { return KindImage }

type Model3DKind struct {
	ModelURL string `json:"model_url"`
	Format   string `json:"format,omitempty"`
}

func (Model3DKind) Type() KindType { return KindModel3D }

type VideoKind struct {
	VideoURL string `json:"video_url"`
	Loop     bool   `json:"loop,omitempty"`
	Muted    bool   `json:"muted,omitempty"`
}

func (VideoKind) Type() KindType { return KindVideo }

type OverlayLayerKind struct {
	Opacity float64  `json:"opacity"`
	Labels  []string `json:"labels,omitempty"`
}

func (OverlayLayerKind) Type() KindType { return KindOverlayLayer }

type GroupKind struct {
	Children []string `json:"children,omitempty"`
}

func (GroupKind) Type() KindType { return KindGroup }

// kindEnvelope is the wire shape of a Kind: a "type" discriminator plus
// the union of every variant's fields flattened alongside it.
type kindEnvelope struct {
	Type KindType `json:"type"`

	Content  string          `json:"content,omitempty"`
	FontSize float64         `json:"font_size,omitempty"`
	Color    string          `json:"color,omitempty"`
	ChartType string         `json:"chart_type,omitempty"`
	Series   json.RawMessage `json:"series,omitempty"`
	URL      string          `json:"url,omitempty"`
	Alt      string          `json:"alt,omitempty"`
	ModelURL string          `json:"model_url,omitempty"`
	Format   string          `json:"format,omitempty"`
	VideoURL string          `json:"video_url,omitempty"`
	Loop     bool            `json:"loop,omitempty"`
	Muted    bool            `json:"muted,omitempty"`
	Opacity  float64         `json:"opacity,omitempty"`
	Labels   []string        `json:"labels,omitempty"`
	Children []string        `json:"children,omitempty"`
}

// MarshalKind flattens a Kind into its wire envelope.
func MarshalKind(k Kind) ([]byte, error) {
	env := kindEnvelope{Type: k.Type()}
	switch v := k.(type) {
	case TextKind:
		env.Content, env.FontSize, env.Color = v.Content, v.FontSize, v.Color
	case ChartKind:
		env.ChartType, env.Series = v.ChartType, v.Series
	case ImageKind:
		env.URL, env.Alt = v.URL, v.Alt
	case Model3DKind:
		env.ModelURL, env.Format = v.ModelURL, v.Format
	case VideoKind:
		env.VideoURL, env.Loop, env.Muted = v.VideoURL, v.Loop, v.Muted
	case OverlayLayerKind:
		env.Opacity, env.Labels = v.Opacity, v.Labels
	case GroupKind:
		env.Children = v.Children
	default:
		return nil, fmt.Errorf("scene: unknown kind type %T", k)
	}
	return json.Marshal(env)
}

// UnmarshalKind dispatches on the envelope's "type" field to build the
// concrete Kind variant.
func UnmarshalKind(data []byte) (Kind, error) {
	var env kindEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("scene: invalid kind payload: %w", err)
	}
	switch env.Type {
	case KindText:
		return TextKind{Content: env.Content, FontSize: env.FontSize, Color: env.Color}, nil
	case KindChart:
		return ChartKind{ChartType: env.ChartType, Series: env.Series}, nil
	case KindImage:
		return ImageKind{URL: env.URL, Alt: env.Alt}, nil
	case KindModel3D:
		return Model3DKind{ModelURL: env.ModelURL, Format: env.Format}, nil
	case KindVideo:
		return VideoKind{VideoURL: env.VideoURL, Loop: env.Loop, Muted: env.Muted}, nil
	case KindOverlayLayer:
		return OverlayLayerKind{Opacity: env.Opacity, Labels: env.Labels}, nil
	case KindGroup:
		return GroupKind{Children: env.Children}, nil
	default:
		return nil, fmt.Errorf("scene: unknown kind type %q", env.Type)
	}
}

// Transform is an element's position, size, rotation, and stacking order.
type Transform struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation,omitempty"`
	ZIndex   int      `json:"z_index"`
}

// TransformPatch is a partial transform used by update_element; nil
// fields are left unchanged.
type TransformPatch struct {
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
	ZIndex   *int     `json:"z_index,omitempty"`
}

// Apply merges the patch's non-nil fields onto t, returning the result.
func (p TransformPatch) Apply(t Transform) Transform {
	if p.X != nil {
		t.X = *p.X
	}
	if p.Y != nil {
		t.Y = *p.Y
	}
	if p.Width != nil {
		t.Width = *p.Width
	}
	if p.Height != nil {
		t.Height = *p.Height
	}
	if p.Rotation != nil {
		t.Rotation = *p.Rotation
	}
	if p.ZIndex != nil {
		t.ZIndex = *p.ZIndex
	}
	return t
}

// Element is a single renderable node in a Scene.
type Element struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Transform   Transform `json:"transform"`
	InsertIndex uint64    `json:"-"` // insertion order, used to break z-index ties
	TouchedAt   int64     `json:"-"` // ms epoch of last mutation, used by LWW conflict resolution
}

type elementEnvelope struct {
	ID        string          `json:"id"`
	Kind      json.RawMessage `json:"kind"`
	Transform Transform       `json:"transform"`
}

func (e Element) MarshalJSON() ([]byte, error) {
	kindJSON, err := MarshalKind(e.Kind)
	if err != nil {
		return nil, err
	}
	return json.Marshal(elementEnvelope{ID: e.ID, Kind: kindJSON, Transform: e.Transform})
}

func (e *Element) UnmarshalJSON(data []byte) error {
	var env elementEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("scene: invalid element: %w", err)
	}
	kind, err := UnmarshalKind(env.Kind)
	if err != nil {
		return err
	}
	e.ID = env.ID
	e.Kind = kind
	e.Transform = env.Transform
	return nil
}

// Viewport describes the camera over a Scene.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Zoom   float64 `json:"zoom"`
	PanX   float64 `json:"pan_x"`
	PanY   float64 `json:"pan_y"`
}

// DefaultViewport is used for newly created scenes.
func DefaultViewport() Viewport {
	return Viewport{Width: 1920, Height: 1080, Zoom: 1}
}

// Scene is the visual document for one session.
type Scene struct {
	Viewport   Viewport
	Elements   []Element
	Revision   uint64
	UpdatedAt  int64 // ms epoch of last mutation
	nextInsert uint64
}

// Clone deep-copies a Scene so callers never mutate store-owned state.
func (s Scene) Clone() Scene {
	out := s
	out.Elements = make([]Element, len(s.Elements))
	copy(out.Elements, s.Elements)
	return out
}

// SceneDocument is the serializable representation returned by Snapshot.
type SceneDocument struct {
	Viewport  Viewport  `json:"viewport"`
	Elements  []Element `json:"elements"`
	Revision  uint64    `json:"revision"`
	Timestamp int64     `json:"timestamp"`
}

// Origin tags the source of a mutation so feedback loops can be suppressed.
type Origin string

const (
	OriginLocal  Origin = "Local"
	OriginRemote Origin = "Remote"
	OriginMCP    Origin = "MCP"
	OriginHTTP   Origin = "HTTP"
	OriginReplay Origin = "Replay"
)

// Limits enforced by the store, per spec §3 invariants.
const (
	MaxElementsPerScene = 10000
	MaxTextPayloadBytes = 1 << 20 // 1 MB
	MaxMessageBytes     = 1 << 20 // 1 MB
)
