package jingle

// MediaKind вид медиа контента
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// MediaSet неупорядоченное множество видов медиа
type MediaSet uint8

const (
	mediaAudioBit MediaSet = 1 << iota
	mediaVideoBit
)

// NewMediaSet строит множество из списка видов, неизвестные игнорируются
func NewMediaSet(kinds ...MediaKind) MediaSet {
	var s MediaSet
	for _, k := range kinds {
		s = s.With(k)
	}
	return s
}

func bitOf(k MediaKind) MediaSet {
	switch k {
	case MediaAudio:
		return mediaAudioBit
	case MediaVideo:
		return mediaVideoBit
	default:
		return 0
	}
}

// With возвращает множество с добавленным видом
func (s MediaSet) With(k MediaKind) MediaSet {
	return s | bitOf(k)
}

// Has проверяет наличие вида медиа
func (s MediaSet) Has(k MediaKind) bool {
	b := bitOf(k)
	return b != 0 && s&b != 0
}

// Empty true если множество пусто
func (s MediaSet) Empty() bool {
	return s == 0
}

// Kinds возвращает виды в стабильном порядке: audio, video
func (s MediaSet) Kinds() []MediaKind {
	var kinds []MediaKind
	for _, k := range []MediaKind{MediaAudio, MediaVideo} {
		if s.Has(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (s MediaSet) String() string {
	switch s {
	case 0:
		return "none"
	case mediaAudioBit:
		return "audio"
	case mediaVideoBit:
		return "video"
	default:
		return "audio+video"
	}
}

// MediaOf собирает множество видов медиа из контентов
func MediaOf(contents []Content) MediaSet {
	var s MediaSet
	for _, c := range contents {
		s = s.With(c.Description.Kind())
	}
	return s
}
