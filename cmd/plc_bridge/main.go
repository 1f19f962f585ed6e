package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/goburrow/modbus"
	"github.com/gorilla/mux"
	"github.com/w1xm/ccd_interface/plc/plchttp"
)

var (
	addr       = flag.String("addr", "127.0.0.1:8504", "address to listen on")
	password   = flag.String("password", "", "password to require on remote connections")
	serialPort = flag.String("plc_serial", "", "PLC serial port name")
	baud       = flag.Int("plc_baud", 19200, "PLC baud rate")
)

func newHandler(port string, baud int) *modbus.RTUClientHandler {
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = 1
	return handler
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	if *serialPort == "" {
		log.Fatal("-plc_serial is required")
	}
	handler := newHandler(*serialPort, *baud)
	defer handler.Close()
	r := mux.NewRouter()
	r.Handle("/api/send", &plchttp.Handler{Transporter: handler, Password: *password}).Methods(http.MethodPost)
	r.PathPrefix("/debug").Handler(http.DefaultServeMux)
	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	log.Printf("Listening on %v", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}
