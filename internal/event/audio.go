package event

// Audio payload accounting constants. Payloads are raw PCM16, little-endian,
// 24000 Hz, mono, base64-encoded on the wire. The relay never decodes audio;
// it only counts bytes.
const (
	// SampleRate is the fixed upstream sample rate in Hz.
	SampleRate = 24000

	// BytesPerSample is the PCM16 mono sample width.
	BytesPerSample = 2

	// tickMillis is the accounting granularity: one tick per 20 ms of audio.
	tickMillis = 20

	// BytesPerTick is the payload size of one accounting tick:
	// 24000 Hz × 2 bytes × 0.02 s = 960 bytes.
	BytesPerTick = SampleRate * BytesPerSample * tickMillis / 1000
)

// AudioTicks converts a decoded payload byte count into accounting ticks,
// rounding up so partial chunks are never free.
func AudioTicks(payloadBytes int) int64 {
	if payloadBytes <= 0 {
		return 0
	}
	return int64((payloadBytes + BytesPerTick - 1) / BytesPerTick)
}
