package jingle

// Feature-неймспейсы, которые анонсирует ресурс пира
const (
	FeatureJingle      = NSJingle
	FeatureRTP         = NSRTP
	FeatureRTPAudio    = "urn:xmpp:jingle:apps:rtp:audio"
	FeatureRTPVideo    = "urn:xmpp:jingle:apps:rtp:video"
	FeatureICEUDP      = NSICEUDP
	FeatureDTLS        = NSDTLS
	FeatureMessageInit = NSMessageInit
)

// Features набор возможностей ресурса
type Features map[string]struct{}

// NewFeatures строит набор из списка
func NewFeatures(vars ...string) Features {
	f := make(Features, len(vars))
	for _, v := range vars {
		f[v] = struct{}{}
	}
	return f
}

// Has проверяет наличие возможности
func (f Features) Has(v string) bool {
	_, ok := f[v]
	return ok
}

// SupportsCalls ресурс умеет IQ сигнализацию RTP поверх ice-udp
func (f Features) SupportsCalls(media MediaSet) bool {
	if !f.Has(FeatureJingle) || !f.Has(FeatureRTP) || !f.Has(FeatureICEUDP) {
		return false
	}
	if media.Has(MediaAudio) && !f.Has(FeatureRTPAudio) {
		return false
	}
	if media.Has(MediaVideo) && !f.Has(FeatureRTPVideo) {
		return false
	}
	return true
}

// SupportsMessageInitiation ресурс поддерживает propose/proceed
func (f Features) SupportsMessageInitiation() bool {
	return f.Has(FeatureMessageInit)
}

// CallFeatures возможности, которые анонсирует локальный клиент
func CallFeatures() Features {
	return NewFeatures(FeatureJingle, FeatureRTP, FeatureRTPAudio, FeatureRTPVideo,
		FeatureICEUDP, FeatureDTLS, FeatureMessageInit)
}
