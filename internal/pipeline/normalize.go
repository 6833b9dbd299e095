package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/paygate/internal/billing"
	"github.com/nulpointcorp/paygate/internal/providers"
	"github.com/nulpointcorp/paygate/internal/registry"
)

// Receipt is the caller-visible proof of payment. Amount is in USDC (not
// micros); internal ledger identifiers never appear here.
type Receipt struct {
	PaymentID   string    `json:"payment_id"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	CommittedAt time.Time `json:"committed_at"`
}

// envelope is the uniform success response:
// {success, data, receipt, message}.
type envelope struct {
	Success bool    `json:"success"`
	Data    any     `json:"data"`
	Receipt Receipt `json:"receipt"`
	Message string  `json:"message,omitempty"`
}

type usagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type (
	completionPayload struct {
		ID              string       `json:"id"`
		Model           string       `json:"model"`
		ClientRequestID string       `json:"client_request_id,omitempty"`
		Text            string       `json:"text"`
		Usage           usagePayload `json:"usage"`
	}

	audioPayload struct {
		ID              string `json:"id"`
		Model           string `json:"model"`
		ClientRequestID string `json:"client_request_id,omitempty"`
		Audio           string `json:"audio"` // base64-encoded
	}

	imagePayload struct {
		ID              string   `json:"id"`
		Model           string   `json:"model"`
		ClientRequestID string   `json:"client_request_id,omitempty"`
		Images          []string `json:"images"`
	}

	embeddingPayload struct {
		ID              string       `json:"id"`
		Model           string       `json:"model"`
		ClientRequestID string       `json:"client_request_id,omitempty"`
		Embeddings      [][]float32  `json:"embeddings"`
		Usage           usagePayload `json:"usage"`
	}

	visionPayload struct {
		ID              string       `json:"id"`
		Model           string       `json:"model"`
		ClientRequestID string       `json:"client_request_id,omitempty"`
		Text            string       `json:"text"`
		Usage           usagePayload `json:"usage"`
	}
)

// buildReceipt converts a committed payment record into the caller-visible
// receipt.
func buildReceipt(rec *billing.Record) Receipt {
	return Receipt{
		PaymentID:   rec.ID,
		Amount:      registry.MicrosToUSD(rec.Amount),
		Currency:    rec.Currency,
		CommittedAt: rec.CommittedAt,
	}
}

// normalize maps the raw provider result into the per-operation payload. The
// canonical model identifier ("provider/model") is echoed back, not the
// provider-native name.
func normalize(res *providers.Result, modelID, clientRequestID string) any {
	usage := usagePayload{
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
	}

	switch res.Operation {
	case providers.OpCompletion:
		return completionPayload{
			ID:              res.ID,
			Model:           modelID,
			ClientRequestID: clientRequestID,
			Text:            res.Text,
			Usage:           usage,
		}
	case providers.OpAudio:
		return audioPayload{
			ID:              res.ID,
			Model:           modelID,
			ClientRequestID: clientRequestID,
			Audio:           base64.StdEncoding.EncodeToString(res.Audio),
		}
	case providers.OpImage:
		return imagePayload{
			ID:              res.ID,
			Model:           modelID,
			ClientRequestID: clientRequestID,
			Images:          res.Images,
		}
	case providers.OpEmbedding:
		return embeddingPayload{
			ID:              res.ID,
			Model:           modelID,
			ClientRequestID: clientRequestID,
			Embeddings:      res.Embeddings,
			Usage:           usage,
		}
	case providers.OpVision:
		return visionPayload{
			ID:              res.ID,
			Model:           modelID,
			ClientRequestID: clientRequestID,
			Text:            res.Text,
			Usage:           usage,
		}
	}
	return nil
}

// writeSuccess writes the 200 envelope with payload and receipt.
func writeSuccess(ctx *fasthttp.RequestCtx, data any, receipt Receipt, message string) {
	body, err := json.Marshal(envelope{
		Success: true,
		Data:    data,
		Receipt: receipt,
		Message: message,
	})
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"success":false,"message":"failed to serialize response","code":"internal_error"}`)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
