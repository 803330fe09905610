package ai

import (
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/robalyx/fitroom/internal/imagecodec"
)

// ExtractImage returns the first image carried by the response. Blobs that
// declare an image MIME type are preferred; any other blob is accepted when
// its bytes sniff as an image.
func ExtractImage(resp *genai.GenerateContentResponse) (imagecodec.Image, bool) {
	blobs := responseBlobs(resp)

	for _, blob := range blobs {
		if strings.HasPrefix(blob.MIMEType, "image/") && len(blob.Data) > 0 {
			return imagecodec.Image{MIMEType: blob.MIMEType, Data: blob.Data}, true
		}
	}

	for _, blob := range blobs {
		if mimeType, ok := imagecodec.Sniff(blob.Data); ok {
			return imagecodec.Image{MIMEType: mimeType, Data: blob.Data}, true
		}
	}

	return imagecodec.Image{}, false
}

// ResponseText concatenates every text part of the response.
func ResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var b strings.Builder

	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}

		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
	}

	return b.String()
}

func responseBlobs(resp *genai.GenerateContentResponse) []genai.Blob {
	if resp == nil {
		return nil
	}

	var blobs []genai.Blob

	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}

		for _, part := range candidate.Content.Parts {
			switch p := part.(type) {
			case genai.Blob:
				blobs = append(blobs, p)
			case *genai.Blob:
				if p != nil {
					blobs = append(blobs, *p)
				}
			}
		}
	}

	return blobs
}

func imagePart(img imagecodec.Image) genai.Part {
	return genai.Blob{MIMEType: img.MIMEType, Data: img.Data}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	return s[:limit] + "..."
}
