package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BoundingBox is a rectangle in source-pixel coordinates
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type boxObject struct {
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
}

// ParseBoundingBox decodes a box sent as a JSON string. Both the object form
// {"x":..,"y":..,"width":..,"height":..} and the corner list [x1,y1,x2,y2]
// are accepted.
func ParseBoundingBox(s string) (BoundingBox, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return BoundingBox{}, fmt.Errorf("empty bounding box")
	}

	if strings.HasPrefix(s, "[") {
		var corners []float64
		if err := json.Unmarshal([]byte(s), &corners); err != nil {
			return BoundingBox{}, fmt.Errorf("invalid bounding box %q: %w", s, err)
		}
		if len(corners) != 4 {
			return BoundingBox{}, fmt.Errorf("bounding box %q must have four elements", s)
		}
		return BoundingBox{
			X:      corners[0],
			Y:      corners[1],
			Width:  corners[2] - corners[0],
			Height: corners[3] - corners[1],
		}, nil
	}

	var obj boxObject
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return BoundingBox{}, fmt.Errorf("invalid bounding box %q: %w", s, err)
	}
	if obj.X == nil || obj.Y == nil || obj.Width == nil || obj.Height == nil {
		return BoundingBox{}, fmt.Errorf("bounding box %q is missing a coordinate", s)
	}
	return BoundingBox{X: *obj.X, Y: *obj.Y, Width: *obj.Width, Height: *obj.Height}, nil
}

// String encodes the box in its JSON object form
func (b BoundingBox) String() string {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Sprintf(`{"x":%g,"y":%g,"width":%g,"height":%g}`, b.X, b.Y, b.Width, b.Height)
	}
	return string(data)
}

// Corners returns the box as [x1, y1, x2, y2]
func (b BoundingBox) Corners() [4]float64 {
	return [4]float64{b.X, b.Y, b.X + b.Width, b.Y + b.Height}
}

// Vector returns the box as [x, y, width, height]
func (b BoundingBox) Vector() []float32 {
	return []float32{float32(b.X), float32(b.Y), float32(b.Width), float32(b.Height)}
}
