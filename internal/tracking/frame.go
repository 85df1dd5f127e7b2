package tracking

// Vec3 is a 3-component vector as reported by the phone.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// BlendShape is a single named facial-expression weight. Names are not
// guaranteed unique within a frame.
type BlendShape struct {
	Key   string  `json:"k"`
	Value float64 `json:"v"`
}

// Frame is one decoded tracking sample from the phone. Field names follow
// the phone's wire format (capitalized keys). Frames are immutable once
// decoded; the mapper reads them and they are discarded.
type Frame struct {
	Timestamp   uint64       `json:"Timestamp"`
	Hotkey      int16        `json:"Hotkey"`
	FaceFound   bool         `json:"FaceFound"`
	Rotation    Vec3         `json:"Rotation"`
	Position    Vec3         `json:"Position"`
	EyeLeft     Vec3         `json:"EyeLeft"`
	BlendShapes []BlendShape `json:"BlendShapes"`
}
