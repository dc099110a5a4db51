package sipua

import (
	"fmt"
	"net"
	"strconv"

	"github.com/arzzra/roomphone/pkg/audiomix"
	"github.com/pion/sdp/v3"
)

// Направления медиа потока в SDP
const (
	dirSendRecv = "sendrecv"
	dirSendOnly = "sendonly"
	dirRecvOnly = "recvonly"
	dirInactive = "inactive"
)

// sdpOffer параметры локального SDP
type sdpOffer struct {
	host      string
	port      int
	direction string
	sessionID uint64
	version   uint64
}

// build собирает SDP с единственным аудио потоком PCMU
func (o sdpOffer) build() *sdp.SessionDescription {
	addrType := "IP4"
	if ip := net.ParseIP(o.host); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}
	direction := o.direction
	if direction == "" {
		direction = dirSendRecv
	}

	pt := strconv.Itoa(int(audiomix.PayloadTypePCMU))
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      o.sessionID,
			SessionVersion: o.version,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: o.host,
		},
		SessionName: "roomphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: o.host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: o.port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{pt},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap", fmt.Sprintf("%s PCMU/%d", pt, audiomix.ClockRate)),
					sdp.NewAttribute("ptime", strconv.Itoa(int(audiomix.FrameDuration.Milliseconds()))),
					sdp.NewPropertyAttribute(direction),
				},
			},
		},
	}
}

// marshal сериализует SDP
func (o sdpOffer) marshal() ([]byte, error) {
	return o.build().Marshal()
}

// remoteMedia параметры аудио потока удаленной стороны
type remoteMedia struct {
	addr      *net.UDPAddr
	direction string
}

// onHold сообщает, что удаленная сторона поставила вызов на удержание
func (m remoteMedia) onHold() bool {
	return m.direction == dirSendOnly || m.direction == dirInactive
}

// parseRemoteMedia извлекает адрес и направление аудио из SDP
func parseRemoteMedia(body []byte) (remoteMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return remoteMedia{}, fmt.Errorf("разбор SDP: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return remoteMedia{}, fmt.Errorf("аудио поток не найден в SDP")
	}

	if !supportsPCMU(audio) {
		return remoteMedia{}, fmt.Errorf("PCMU не предложен: %v", audio.MediaName.Formats)
	}

	conn := audio.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return remoteMedia{}, fmt.Errorf("адрес соединения не найден в SDP")
	}

	ip := net.ParseIP(conn.Address.Address)
	if ip == nil {
		return remoteMedia{}, fmt.Errorf("некорректный адрес соединения %q", conn.Address.Address)
	}

	direction := dirSendRecv
	for _, attr := range audio.Attributes {
		switch attr.Key {
		case dirSendRecv, dirSendOnly, dirRecvOnly, dirInactive:
			direction = attr.Key
		}
	}

	return remoteMedia{
		addr:      &net.UDPAddr{IP: ip, Port: audio.MediaName.Port.Value},
		direction: direction,
	}, nil
}

func supportsPCMU(m *sdp.MediaDescription) bool {
	pt := strconv.Itoa(int(audiomix.PayloadTypePCMU))
	for _, f := range m.MediaName.Formats {
		if f == pt {
			return true
		}
	}
	return false
}

// answerDirection возвращает направление ответа на предложенное
func answerDirection(offered string, localHold bool) string {
	switch {
	case offered == dirInactive:
		return dirInactive
	case offered == dirSendOnly && localHold:
		return dirInactive
	case offered == dirSendOnly:
		return dirRecvOnly
	case offered == dirRecvOnly:
		return dirSendOnly
	case localHold:
		return dirSendOnly
	default:
		return dirSendRecv
	}
}
