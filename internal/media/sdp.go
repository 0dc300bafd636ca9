package media

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// applyBitrate caps every video section of an offer at bitrate bits per
// second with a b=AS line. Existing AS lines are replaced.
func applyBitrate(offer string, bitrate int) (string, error) {
	if bitrate <= 0 {
		return offer, nil
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return "", fmt.Errorf("parse offer: %w", err)
	}

	kbps := uint64(bitrate / 1000)
	if kbps == 0 {
		kbps = 1
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		bandwidth := md.Bandwidth[:0]
		for _, b := range md.Bandwidth {
			if b.Type != "AS" {
				bandwidth = append(bandwidth, b)
			}
		}
		md.Bandwidth = append(bandwidth, sdp.Bandwidth{Type: "AS", Bandwidth: kbps})
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal offer: %w", err)
	}
	return string(out), nil
}
