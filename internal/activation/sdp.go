package activation

import (
	"fmt"
	"net"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
)

// RenderSDP builds a session description for an activated RTP sender from
// its resolved transport parameters and the flow it carries. One media
// section per enabled leg, grouped for duplication when there are two.
func RenderSDP(m *store.Model, senderID string, active map[string]any) (string, string, error) {
	sender, found := m.Node.Find(senderID, nmos.TypeSender)
	if !found {
		return "", "", fmt.Errorf("no sender %s", senderID)
	}
	flow, found := m.Node.Find(nmos.DataString(sender.Data, "flow_id"), nmos.TypeFlow)
	if !found {
		return "", "", fmt.Errorf("sender %s has no flow", senderID)
	}

	media, payload, rtpmap := mediaDescription(m, flow)

	dsts, err := jsonpath.Get("$.transport_params[*].destination_ip", active)
	if err != nil {
		return "", "", fmt.Errorf("destination_ip: %w", err)
	}
	ports, err := jsonpath.Get("$.transport_params[*].destination_port", active)
	if err != nil {
		return "", "", fmt.Errorf("destination_port: %w", err)
	}
	srcs, _ := jsonpath.Get("$.transport_params[*].source_ip", active)
	enabled, _ := jsonpath.Get("$.transport_params[*].rtp_enabled", active)

	type leg struct {
		dst, src string
		port     int
	}
	var legs []leg
	for i, dv := range anySlice(dsts) {
		if en, ok := anyIndex(enabled, i).(bool); ok && !en {
			continue
		}
		dst, _ := dv.(string)
		port, _ := anyIndex(ports, i).(float64)
		if dst == "" || port == 0 {
			continue
		}
		src, _ := anyIndex(srcs, i).(string)
		legs = append(legs, leg{dst: dst, src: src, port: int(port)})
	}
	if len(legs) == 0 {
		return "", "", fmt.Errorf("sender %s has no enabled legs", senderID)
	}

	var sessID int64
	if act, ok := active["activation"].(map[string]any); ok {
		if ts, ok := act["activation_time"].(string); ok {
			if t, err := nmos.ParseTAI(ts); err == nil {
				sessID = t.Seconds
			}
		}
	}
	origin := "0.0.0.0"
	for _, l := range legs {
		if l.src != "" {
			origin = l.src
			break
		}
	}
	name := nmos.DataString(sender.Data, "label")
	if name == "" {
		name = senderID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %d %d IN IP4 %s\r\n", sessID, sessID, origin)
	fmt.Fprintf(&b, "s=%s\r\n", name)
	fmt.Fprintf(&b, "t=0 0\r\n")
	mids := []string{"PRIMARY", "SECONDARY"}
	if len(legs) > 1 {
		fmt.Fprintf(&b, "a=group:DUP %s\r\n", strings.Join(mids[:len(legs)], " "))
	}
	for i, l := range legs {
		fmt.Fprintf(&b, "m=%s %d RTP/AVP %d\r\n", media, l.port, payload)
		if ip := net.ParseIP(l.dst); ip != nil && ip.IsMulticast() {
			fmt.Fprintf(&b, "c=IN IP4 %s/64\r\n", l.dst)
			if l.src != "" {
				fmt.Fprintf(&b, "a=source-filter: incl IN IP4 %s %s\r\n", l.dst, l.src)
			}
		} else {
			fmt.Fprintf(&b, "c=IN IP4 %s\r\n", l.dst)
		}
		fmt.Fprintf(&b, "a=rtpmap:%d %s\r\n", payload, rtpmap)
		if len(legs) > 1 {
			fmt.Fprintf(&b, "a=mid:%s\r\n", mids[i])
		}
	}
	return b.String(), "application/sdp", nil
}

// mediaDescription maps a flow onto its SDP media type, payload number and
// rtpmap encoding.
func mediaDescription(m *store.Model, flow *nmos.Resource) (media string, payload int, rtpmap string) {
	enc := nmos.DataString(flow.Data, "media_type")
	if _, sub, ok := strings.Cut(enc, "/"); ok {
		enc = sub
	}
	media, payload, clock := "video", 96, 90000
	channels := 0
	switch nmos.DataString(flow.Data, "format") {
	case "urn:x-nmos:format:audio":
		media, payload, clock = "audio", 97, 48000
		if sr, ok := flow.Data["sample_rate"].(map[string]any); ok {
			if n, ok := sr["numerator"].(float64); ok && n > 0 {
				clock = int(n)
			}
		}
		if src, found := m.Node.Find(nmos.DataString(flow.Data, "source_id"), nmos.TypeSource); found {
			if ch, ok := src.Data["channels"].([]any); ok {
				channels = len(ch)
			}
		}
	case "urn:x-nmos:format:data":
		payload = 100
	case "urn:x-nmos:format:mux":
		payload = 98
	}
	rtpmap = fmt.Sprintf("%s/%d", enc, clock)
	if channels > 0 {
		rtpmap = fmt.Sprintf("%s/%d", rtpmap, channels)
	}
	return media, payload, rtpmap
}

func anySlice(v any) []any {
	l, _ := v.([]any)
	return l
}

func anyIndex(v any, i int) any {
	l, _ := v.([]any)
	if i < 0 || i >= len(l) {
		return nil
	}
	return l[i]
}
