package protocol

// Message kinds as the backend names them.
const (
	KindText  = "text"
	KindImage = "image"
	KindAudio = "audio"
	KindVideo = "video"
	KindFile  = "file"
)

// NormalizeKind returns k when it is a known wire kind and KindText
// otherwise.
func NormalizeKind(k string) string {
	switch k {
	case KindText, KindImage, KindAudio, KindVideo, KindFile:
		return k
	default:
		return KindText
	}
}
