package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("loading .env: %v", err)
	}
	// Create client
	server := os.Getenv("INFLUX_SERVER")
	if server == "" {
		server = "http://localhost:9999"
	}
	client := influxdb2.NewClient(server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi("w1xm", "ccd.raw")
	defer writeApi.Close()
	// Get errors channel
	errorsCh := writeApi.Errors()
	// Create go proc for reading and logging errors
	go func() {
		for err := range errorsCh {
			log.Printf("write error: %v", err)
		}
	}()
	seen := make(map[string]bool)
	for {
		if err := logData(writeApi, seen); err != nil {
			log.Print(err)
		}
		time.Sleep(1 * time.Second)
	}
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		fields[prefix[1:]] = status
	}
}

type record struct {
	tags   map[string]string
	fields map[string]interface{}
	time   time.Time
}

// outcomeRecords returns one record for each outcome in status not already
// in seen.
func outcomeRecords(status map[string]interface{}, seen map[string]bool) []record {
	outcomes, _ := status["LastOutcome"].(map[string]interface{})
	var out []record
	for device, v := range outcomes {
		o, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := o["ID"].(string)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		str := func(k string) string {
			s, _ := o[k].(string)
			return s
		}
		r := record{
			tags: map[string]string{
				"device":    device,
				"operation": str("Operation"),
				"kind":      str("Kind"),
			},
			fields: map[string]interface{}{
				"id":          id,
				"recoverable": o["Recoverable"] == true,
			},
		}
		if p := str("PhaseAtAbort"); p != "" && p != "none" {
			r.tags["phase_at_abort"] = p
		}
		if e := str("Error"); e != "" {
			r.fields["error"] = e
		}
		started, err1 := time.Parse(time.RFC3339Nano, str("Started"))
		finished, err2 := time.Parse(time.RFC3339Nano, str("Finished"))
		if err1 == nil && err2 == nil {
			r.fields["duration"] = finished.Sub(started).Seconds()
			r.time = finished
		} else {
			r.time = time.Now()
		}
		out = append(out, r)
	}
	return out
}

func logData(writeApi api.WriteApi, seen map[string]bool) error {
	url := os.Getenv("CCD_ADDRESS")
	if url == "" {
		url = "ws://localhost:8503/api/ws"
	}
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	for {
		var status map[string]interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		if _, ok := status["error"]; ok {
			continue
		}
		for _, r := range outcomeRecords(status, seen) {
			writeApi.WritePoint(influxdb2.NewPoint("ccd.outcome", r.tags, r.fields, r.time))
		}
		delete(status, "LastOutcome")

		fields := make(map[string]interface{})
		flattenStatus(fields, status, "")

		p := influxdb2.NewPoint("ccd.status",
			nil,
			fields,
			time.Now(),
		)
		// write asynchronously
		writeApi.WritePoint(p)
	}
}
