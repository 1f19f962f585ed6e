// Package plchttp carries Modbus RTU frames over HTTP so that the PLC bank
// can be driven from a machine without the serial line.
package plchttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/goburrow/modbus"
)

type SendResponse struct {
	ADUResponse []byte
	Error       string
}

// Client reuses the RTU packager and replaces the serial transport with a
// POST to the bridge.
type Client struct {
	*modbus.RTUClientHandler

	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	handler := modbus.NewRTUClientHandler("/dev/null")
	handler.SlaveId = 1
	return &Client{
		RTUClientHandler: handler,
		baseURL:          baseURL,
		http:             &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) Send(aduRequest []byte) ([]byte, error) {
	resp, err := c.http.Post(c.baseURL, "application/octet-stream", bytes.NewReader(aduRequest))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var sendResponse SendResponse
	if err := json.Unmarshal(body, &sendResponse); err != nil {
		return nil, err
	}
	if sendResponse.Error != "" {
		err = errors.New(sendResponse.Error)
	}
	return sendResponse.ADUResponse, err
}

func (c *Client) Connect() error {
	return nil
}

func (c *Client) Close() error {
	return nil
}

// Handler forwards request bodies to Transporter and answers with a
// SendResponse. Remote callers must present Password with basic auth.
type Handler struct {
	Transporter modbus.Transporter
	Password    string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, pass, ok := r.BasicAuth()
	if h.Password != "" && (!ok || pass != h.Password) {
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return
	}
	err := func() error {
		aduRequest, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		aduResponse, err := h.Transporter.Send(aduRequest)
		var errString string
		if err != nil {
			errString = err.Error()
		}
		body, err := json.Marshal(&SendResponse{
			ADUResponse: aduResponse,
			Error:       errString,
		})
		if err != nil {
			return err
		}
		_, err = w.Write(body)
		return err
	}()
	if err != nil {
		log.Printf("plchttp: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
