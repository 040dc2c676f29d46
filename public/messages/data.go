package messages

// Kind tags of the built-in data payloads.
const (
	KindText            = "text"
	KindTextRequest     = "text_request"
	KindAudio           = "audio"
	KindCompressedImage = "compressed_image"
	KindBoundingBoxes   = "bounding_boxes"
)

func init() {
	Register(KindText, func() Message { return &Text{} })
	Register(KindTextRequest, func() Message { return &TextRequest{} })
	Register(KindAudio, func() Message { return &Audio{} })
	Register(KindCompressedImage, func() Message { return &CompressedImage{} })
	Register(KindBoundingBoxes, func() Message { return &BoundingBoxes{} })
}

// Text is a plain text message.
type Text struct {
	Header `msgpack:"-"`

	Text string `msgpack:"text"`
}

func (*Text) Kind() string { return KindText }

// NewText returns a text message.
func NewText(text string) *Text {
	return &Text{Text: text}
}

// TextRequest is a text message that expects a reply, for components that
// answer queries rather than stream output.
type TextRequest struct {
	RequestHeader `msgpack:"-"`

	Text string `msgpack:"text"`
}

func (*TextRequest) Kind() string { return KindTextRequest }

// NewTextRequest returns a text request with a fresh request id.
func NewTextRequest(text string) *TextRequest {
	r := &TextRequest{Text: text}
	r.RequestID = NewRequestID()
	return r
}

// Audio carries one chunk of raw PCM audio.
type Audio struct {
	Header `msgpack:"-"`

	SampleRate int    `msgpack:"sample_rate"`
	Waveform   []byte `msgpack:"waveform"`
}

func (*Audio) Kind() string { return KindAudio }

// NewAudio returns an audio chunk. The waveform is carried as-is.
func NewAudio(sampleRate int, waveform []byte) *Audio {
	return &Audio{SampleRate: sampleRate, Waveform: waveform}
}

// CompressedImage carries one JPEG-encoded frame. The bytes are never
// re-encoded by the framework.
type CompressedImage struct {
	Header `msgpack:"-"`

	JPEG []byte `msgpack:"jpeg"`
}

func (*CompressedImage) Kind() string { return KindCompressedImage }

// NewCompressedImage returns an image message wrapping already-encoded bytes.
func NewCompressedImage(jpeg []byte) *CompressedImage {
	return &CompressedImage{JPEG: jpeg}
}

// BoundingBox is one detection in image coordinates.
type BoundingBox struct {
	X          int     `msgpack:"x"`
	Y          int     `msgpack:"y"`
	Width      int     `msgpack:"w"`
	Height     int     `msgpack:"h"`
	Identifier int     `msgpack:"identifier"`
	Confidence float64 `msgpack:"confidence"`
}

// BoundingBoxes carries the detections found in one frame.
type BoundingBoxes struct {
	Header `msgpack:"-"`

	Boxes []BoundingBox `msgpack:"bboxes"`
}

func (*BoundingBoxes) Kind() string { return KindBoundingBoxes }

// NewBoundingBoxes returns a detection set.
func NewBoundingBoxes(boxes []BoundingBox) *BoundingBoxes {
	return &BoundingBoxes{Boxes: boxes}
}
