package encoder

// Fixed capture format: everything downstream of the audio source speaks
// 16 kHz mono 16-bit PCM.
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

// Encoder turns blocks of PCM samples into a self-contained audio
// container suitable for a single batch upload.
type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
}
