// Command treestream is a Lambda that consumes the tree table's DynamoDB
// stream and forwards each mutation to the relay endpoint of every server.
//
// Environment:
//
//	TREESTREAM_ENDPOINTS  comma-separated relay URLs, e.g. http://10.0.0.7:8080/api/relay
//	TREESTREAM_LOG_LEVEL  slog level (default info)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/viper"

	"github.com/jacentio/treeorder/stream"
)

func main() {
	v := viper.New()
	v.SetEnvPrefix("TREESTREAM")
	v.AutomaticEnv()
	v.SetDefault("log_level", "info")

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	endpoints := splitEndpoints(v.GetString("endpoints"))
	if len(endpoints) == 0 {
		fmt.Fprintln(os.Stderr, "TREESTREAM_ENDPOINTS is required")
		os.Exit(1)
	}

	handler := stream.NewHandler(stream.NewHTTPPublisher(nil, endpoints...), logger)
	logger.Info("starting stream relay", "endpoints", endpoints)
	lambda.Start(handler.HandleStream)
}

func splitEndpoints(raw string) []string {
	var out []string
	for _, e := range strings.Split(raw, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
