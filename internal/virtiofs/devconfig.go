package virtiofs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FeatureNotification is VIRTIO_FS_F_NOTIFICATION.
const FeatureNotification = uint64(1) << 0

// SupportedFeatures is every device feature bit the driver understands.
const SupportedFeatures = FeatureNotification

// NegotiateFeatures returns the subset of the device's features the driver
// accepts.
func NegotiateFeatures(device uint64) uint64 {
	return device & SupportedFeatures
}

const (
	devConfigTagSize = 36
	devConfigSize    = devConfigTagSize + 8
)

// DeviceConfig is the virtio-fs config space.
//
//	struct virtio_fs_config {
//	    u8 tag[36];
//	    le32 num_request_queues;
//	    le32 notify_buf_size;
//	};
type DeviceConfig struct {
	Tag              string
	NumRequestQueues uint32
	NotifyBufSize    uint32
}

// ParseDeviceConfig decodes the device config space. Older devices stop
// after num_request_queues; notify_buf_size is then zero.
func ParseDeviceConfig(b []byte) (DeviceConfig, error) {
	if len(b) < devConfigTagSize+4 {
		return DeviceConfig{}, fmt.Errorf("virtio-fs: config space is %d bytes", len(b))
	}
	tag := b[:devConfigTagSize]
	if i := bytes.IndexByte(tag, 0); i >= 0 {
		tag = tag[:i]
	}
	cfg := DeviceConfig{
		Tag:              string(tag),
		NumRequestQueues: binary.LittleEndian.Uint32(b[devConfigTagSize:]),
	}
	if len(b) >= devConfigSize {
		cfg.NotifyBufSize = binary.LittleEndian.Uint32(b[devConfigTagSize+4:])
	}
	if cfg.NumRequestQueues == 0 {
		return DeviceConfig{}, fmt.Errorf("virtio-fs: device %q has no request queues", cfg.Tag)
	}
	return cfg, nil
}
