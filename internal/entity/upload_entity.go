package entity

type ProgressEvent struct {
	UploadId   string `json:"uploadId"`
	BytesSent  int64  `json:"bytesSent"`
	BytesTotal int64  `json:"bytesTotal"`
}

// Percent is 0-100; an unknown total reports 0 until done.
func (p ProgressEvent) Percent() int {
	if p.BytesTotal <= 0 {
		return 0
	}
	pct := int(p.BytesSent * 100 / p.BytesTotal)
	if pct > 100 {
		return 100
	}
	return pct
}
