// Package project defines the editor project document and the render job
// payload that reference it.
package project

import (
	"encoding/json"
	"fmt"
	"math"
)

// speedEpsilon keeps zero or negative playback speeds from dividing by zero.
const speedEpsilon = 0.01

// LayerType identifies what kind of clips a layer holds.
type LayerType string

// Layer types.
const (
	LayerVideo LayerType = "video"
	LayerAudio LayerType = "audio"
	LayerImage LayerType = "image"
	LayerText  LayerType = "text"
)

// ClipType identifies how a clip is drawn or played.
type ClipType string

// Clip types.
const (
	ClipVideo     ClipType = "video"
	ClipAudio     ClipType = "audio"
	ClipImage     ClipType = "image"
	ClipText      ClipType = "text"
	ClipCaption   ClipType = "caption"
	ClipComponent ClipType = "component"
)

// Project is a timeline document. Fields the renderer does not interpret are
// carried through untouched so the headless runtime receives the full document.
type Project struct {
	Layers         []*Layer                   `json:"layers"`
	Settings       Settings                   `json:"settings"`
	Transitions    map[string]json.RawMessage `json:"transitions,omitempty"`
	Transcriptions map[string]json.RawMessage `json:"transcriptions,omitempty"`
}

// Settings holds project wide render settings.
type Settings struct {
	BackgroundColor string  `json:"backgroundColor,omitempty"`
	RenderScale     float64 `json:"renderScale,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Layer is an ordered list of clips.
type Layer struct {
	ID     string    `json:"id"`
	Type   LayerType `json:"type"`
	Muted  bool      `json:"muted,omitempty"`
	Hidden bool      `json:"hidden,omitempty"`
	Clips  []*Clip   `json:"clips"`
}

// Clip is a single timed item on a layer.
type Clip struct {
	ID       string   `json:"id"`
	Type     ClipType `json:"type"`
	Start    float64  `json:"start"`
	Duration float64  `json:"duration"`
	// Offset is the position inside the source media where playback begins.
	Offset float64 `json:"offset,omitempty"`
	Speed  float64 `json:"speed"`
	// Volume is a linear gain. Nil means unity.
	Volume *float64 `json:"volume,omitempty"`

	AssetID     string `json:"assetId,omitempty"`
	Src         string `json:"src,omitempty"`
	MaskAssetID string `json:"maskAssetId,omitempty"`
	MaskSrc     string `json:"maskSrc,omitempty"`

	TranscriptionID string `json:"transcriptionId,omitempty"`
	ComponentID     string `json:"componentId,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// End returns the timeline position where the clip stops playing.
func (c *Clip) End() float64 {
	return c.Start + c.Duration/math.Max(c.Speed, speedEpsilon)
}

// Gain returns the clip volume, defaulting to unity.
func (c *Clip) Gain() float64 {
	if c.Volume == nil {
		return 1
	}
	return *c.Volume
}

// HasAudio reports whether the clip type can carry an audio track.
func (c *Clip) HasAudio() bool {
	return c.Type == ClipAudio || c.Type == ClipVideo
}

// TimelineDuration returns the end of the last clip on any layer.
// A project without clips has zero duration.
func (p *Project) TimelineDuration() float64 {
	if p == nil {
		return 0
	}
	var end float64
	for _, layer := range p.Layers {
		for _, clip := range layer.Clips {
			end = math.Max(end, clip.End())
		}
	}
	return end
}

// Clips calls fn for every clip in layer order.
func (p *Project) Clips(fn func(layer *Layer, clip *Clip)) {
	if p == nil {
		return
	}
	for _, layer := range p.Layers {
		for _, clip := range layer.Clips {
			fn(layer, clip)
		}
	}
}

// AssetIDs returns the distinct asset ids referenced by clips and masks,
// in first-seen order.
func (p *Project) AssetIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	p.Clips(func(_ *Layer, clip *Clip) {
		add(clip.AssetID)
		add(clip.MaskAssetID)
	})
	return ids
}

// ApplyAssetURLs writes resolved URLs onto every clip and mask that references
// an asset in urls. References with no entry are left as they were.
func (p *Project) ApplyAssetURLs(urls map[string]string) {
	p.Clips(func(_ *Layer, clip *Clip) {
		if u, ok := urls[clip.AssetID]; ok && clip.AssetID != "" {
			clip.Src = u
		}
		if u, ok := urls[clip.MaskAssetID]; ok && clip.MaskAssetID != "" {
			clip.MaskSrc = u
		}
	})
}

// Validate checks the structural invariants the renderer relies on.
func (p *Project) Validate() error {
	if p == nil {
		return fmt.Errorf("project is empty")
	}
	for _, layer := range p.Layers {
		for _, clip := range layer.Clips {
			if clip.Start < 0 {
				return fmt.Errorf("clip %s: start must not be negative", clip.ID)
			}
			if clip.Duration < 0 {
				return fmt.Errorf("clip %s: duration must not be negative", clip.ID)
			}
		}
	}
	return nil
}

type clipAlias Clip

var clipKeys = jsonKeys(clipAlias{})

// UnmarshalJSON decodes a clip, defaulting speed to 1 and keeping unknown keys.
func (c *Clip) UnmarshalJSON(data []byte) error {
	alias := clipAlias{Speed: 1}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := unknownFields(data, clipKeys)
	if err != nil {
		return err
	}
	alias.Extra = extra
	*c = Clip(alias)
	return nil
}

// MarshalJSON encodes a clip including any keys preserved from decoding.
func (c Clip) MarshalJSON() ([]byte, error) {
	return mergeFields(clipAlias(c), c.Extra)
}

type settingsAlias Settings

var settingsKeys = jsonKeys(settingsAlias{})

// UnmarshalJSON decodes settings and keeps unknown keys.
func (s *Settings) UnmarshalJSON(data []byte) error {
	var alias settingsAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := unknownFields(data, settingsKeys)
	if err != nil {
		return err
	}
	alias.Extra = extra
	*s = Settings(alias)
	return nil
}

// MarshalJSON encodes settings including any keys preserved from decoding.
func (s Settings) MarshalJSON() ([]byte, error) {
	return mergeFields(settingsAlias(s), s.Extra)
}
