package feedcore

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type AppConfig struct {
	Mode    string
	ApiPort string
	Broker  struct {
		Port            int
		MaxPayload      int32
		MaxPendingMsgs  int
		MaxPendingBytes int64
	}
}

var config AppConfig

func InitConfig(envfile string) {
	if err := godotenv.Load(envfile); err != nil {
		log.Printf("No %s file found, using environment variables", envfile)
	}
	config = AppConfig{
		Mode:    GetEnv("RUN_MODE", "dev"),
		ApiPort: GetEnv("API_PORT", ":3001"),
		Broker: struct {
			Port            int
			MaxPayload      int32
			MaxPendingMsgs  int
			MaxPendingBytes int64
		}{
			Port:            getIntEnvOrDefault("BROKER_PORT", 4233),
			MaxPayload:      int32(getIntEnvOrDefault("BROKER_MAX_PAYLOAD", 8*1024*1024)),
			MaxPendingMsgs:  getIntEnvOrDefault("BROKER_MAX_PENDING_MSGS", 1000),
			MaxPendingBytes: int64(getIntEnvOrDefault("BROKER_MAX_PENDING_BYTES", 100*1024*1024)),
		},
	}

	Logger = initLogger()
}

func GetConfig() AppConfig {
	return config
}

func GetEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func initLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
		NoColor:    false,
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("  %s  ", i)
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s=", i)
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprintf("%s", i)
		},
	}

	return zerolog.New(output).With().Timestamp().Caller().Logger()
}
