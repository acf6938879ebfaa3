package core

import "strings"

// CameraKind é a variante de ingestão da câmera. Toda variante expõe o
// mesmo conjunto de capacidades (Connect, ReadFrame, Close) no pacote drivers.
type CameraKind string

const (
	KindRTSP      CameraKind = "rtsp"
	KindUSB       CameraKind = "usb"
	KindONVIF     CameraKind = "onvif"
	KindSynthetic CameraKind = "synthetic"
)

var CameraKinds = []CameraKind{
	KindRTSP,
	KindUSB,
	KindONVIF,
	KindSynthetic,
}

var cameraKindSet = func() map[string]CameraKind {
	m := make(map[string]CameraKind, len(CameraKinds))
	for _, k := range CameraKinds {
		m[string(k)] = k
	}
	return m
}()

// ParseCameraKind aceita o nome em qualquer caixa.
func ParseCameraKind(s string) (CameraKind, bool) {
	k, ok := cameraKindSet[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}
