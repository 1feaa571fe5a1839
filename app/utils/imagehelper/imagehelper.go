package imagehelper

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// ProcessThumbnail 把缩略图限制在 maxSize 边长以内并统一转成 JPEG。
// 解码失败时返回错误，由调用方决定是否保留原始字节。
func ProcessThumbnail(data []byte, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		return data, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("解码缩略图失败: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxSize || bounds.Dy() > maxSize {
		img = imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("编码缩略图失败: %w", err)
	}
	return buf.Bytes(), nil
}
