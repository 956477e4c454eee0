package media

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/disintegration/imaging"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	_ "golang.org/x/image/webp"
)

// Dimensions describes the probed geometry of an upload.
type Dimensions struct {
	Width    int
	Height   int
	Duration float64
}

// Prober inspects stored files for their dimensions.
type Prober interface {
	Probe(kind Kind, path string) (Dimensions, error)
}

// FileProber decodes images with imaging and asks ffprobe about videos.
type FileProber struct{}

func (FileProber) Probe(kind Kind, path string) (Dimensions, error) {
	switch kind {
	case KindImage:
		return probeImage(path)
	case KindVideo:
		return probeVideo(path)
	default:
		return Dimensions{}, fmt.Errorf("media: unsupported kind %q", kind)
	}
}

func probeImage(path string) (Dimensions, error) {
	file, err := os.Open(path)
	if err != nil {
		return Dimensions{}, err
	}
	defer file.Close()

	img, err := imaging.Decode(file, imaging.AutoOrientation(true))
	if err != nil {
		return Dimensions{}, fmt.Errorf("media: decode image: %w", err)
	}
	bounds := img.Bounds()
	return Dimensions{Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func probeVideo(path string) (Dimensions, error) {
	raw, err := ffmpeg.Probe(path)
	if err != nil {
		return Dimensions{}, fmt.Errorf("media: ffprobe: %w", err)
	}
	return parseProbeOutput(raw)
}

func parseProbeOutput(raw string) (Dimensions, error) {
	var output ffprobeOutput
	if err := json.Unmarshal([]byte(raw), &output); err != nil {
		return Dimensions{}, fmt.Errorf("media: parse ffprobe output: %w", err)
	}
	dimensions := Dimensions{}
	for _, stream := range output.Streams {
		if stream.CodecType != "video" {
			continue
		}
		dimensions.Width = stream.Width
		dimensions.Height = stream.Height
		if seconds, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
			dimensions.Duration = seconds
		}
		break
	}
	if dimensions.Duration == 0 {
		if seconds, err := strconv.ParseFloat(output.Format.Duration, 64); err == nil {
			dimensions.Duration = seconds
		}
	}
	return dimensions, nil
}
