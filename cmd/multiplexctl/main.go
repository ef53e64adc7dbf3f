// Command multiplexctl is a minimal client-core probe tool: it issues a
// single register read or write against one device over stdin/stdout and
// prints the result (spec §4.D).
/*
 * Copyright (c) 2018-2024, Corvid Robotics. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/corvid-robotics/multiplex/client"
	"github.com/corvid-robotics/multiplex/cmn/logx"
	"github.com/corvid-robotics/multiplex/config"
	"github.com/corvid-robotics/multiplex/register"
	"github.com/corvid-robotics/multiplex/wire"
)

var (
	deviceID int
	reg      int
	write    string
	typ      string
	timeout  time.Duration
)

func init() {
	flag.IntVar(&deviceID, "device", 1, "target device id")
	flag.IntVar(&reg, "reg", 0, "register number")
	flag.StringVar(&write, "write", "", "if set, the value to write instead of reading")
	flag.StringVar(&typ, "type", "int32", "value type: int8, int16, int32, float32")
	flag.DurationVar(&timeout, "timeout", config.DefaultRegisterReplyTimeout, "reply deadline")
}

func parseType(s string) (register.TypeIndex, bool) {
	switch s {
	case "int8":
		return register.Int8, true
	case "int16":
		return register.Int16, true
	case "int32":
		return register.Int32, true
	case "float32":
		return register.Float32, true
	default:
		return 0, false
	}
}

func parseValue(ti register.TypeIndex, s string) (register.Value, error) {
	switch ti {
	case register.Float32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return register.Value{}, err
		}
		return register.Float32Value(float32(f)), nil
	default:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return register.Value{}, err
		}
		switch ti {
		case register.Int8:
			return register.Int8Value(int8(n)), nil
		case register.Int16:
			return register.Int16Value(int16(n)), nil
		default:
			return register.Int32Value(int32(n)), nil
		}
	}
}

func main() {
	defer logx.Flush()
	flag.Parse()
	ti, ok := parseType(typ)
	if !ok {
		logx.Errorf("multiplexctl: unknown -type %q", typ)
		logx.Flush()
		os.Exit(1)
	}

	carrier := wire.NewByteStreamCarrier(os.Stdin, os.Stdout)
	c := client.New(config.NewClient(config.WithReplyTimeout(timeout)), carrier)

	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()

	if write != "" {
		v, err := parseValue(ti, write)
		if err != nil {
			logx.Errorf("multiplexctl: bad -write value %q: %v", write, err)
			logx.Flush()
			os.Exit(1)
		}
		if err := c.WriteVerify(ctx, deviceID, reg, v); err != nil {
			logx.Errorf("multiplexctl: write failed: %v", err)
			logx.Flush()
			os.Exit(1)
		}
		logx.Infof("multiplexctl: wrote %v to device %d reg %d", v, deviceID, reg)
		return
	}

	v, ok, code, err := c.ProbeRegister(ctx, deviceID, reg, ti)
	if err != nil {
		logx.Errorf("multiplexctl: read failed: %v", err)
		logx.Flush()
		os.Exit(1)
	}
	if !ok {
		logx.Errorf("multiplexctl: device %d reg %d returned error code %d", deviceID, reg, code)
		logx.Flush()
		os.Exit(1)
	}
	logx.Infof("multiplexctl: device %d reg %d = %v", deviceID, reg, v)
}
