package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
)

// DefaultURL is where the embedding server listens unless configured otherwise.
const DefaultURL = "http://localhost:8000"

// HTTP is a Finder backed by an InsightFace-style embedding server exposing
// POST /embed/face (multipart field "file").
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a client for baseURL. A zero timeout leaves requests
// bounded only by the caller's context.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &HTTP{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Find posts img to /embed/face and converts the detections.
func (h *HTTP) Find(ctx context.Context, img []byte) ([]types.Face, error) {
	body, err := h.postImage(ctx, "/embed/face", img)
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	faces := make([]types.Face, 0, len(resp.Faces))
	for _, det := range resp.Faces {
		if len(det.BBox) != 4 {
			return nil, fmt.Errorf("face %d: bbox has %d values", det.FaceIndex, len(det.BBox))
		}
		if len(det.Embedding) == 0 {
			return nil, fmt.Errorf("face %d: empty embedding returned", det.FaceIndex)
		}
		faces = append(faces, types.Face{
			Box: types.BoundingBox{
				Left:   int(math.Round(det.BBox[0])),
				Top:    int(math.Round(det.BBox[1])),
				Right:  int(math.Round(det.BBox[2])),
				Bottom: int(math.Round(det.BBox[3])),
			},
			Vec: det.Embedding,
		})
	}
	return faces, nil
}

// Close is a no-op; the server outlives the client.
func (h *HTTP) Close() error { return nil }

func (h *HTTP) postImage(ctx context.Context, endpoint string, img []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	hdr.Set("Content-Type", http.DetectContentType(img))
	part, err := writer.CreatePart(hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
