package app

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/louisbranch/evcoord/internal/platform/otel"
	"github.com/louisbranch/evcoord/internal/services/coordinator/blob"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Bus backends.
const (
	BusChannel = "channel"
	BusAMQP    = "amqp"
	BusKafka   = "kafka"
)

// Config holds every runtime setting of the coordinator process. Variable
// names are read with the EVCOORD_ prefix.
type Config struct {
	Port        int    `env:"PORT" envDefault:"8095"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9095"`

	StoreBackend  string `env:"STORE_BACKEND" envDefault:"memory"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/evcoord.db"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`

	BusBackend     string   `env:"BUS_BACKEND" envDefault:"channel"`
	TopicPrefix    string   `env:"TOPIC_PREFIX" envDefault:"evcoord"`
	AMQPURL        string   `env:"AMQP_URL" envDefault:"amqp://127.0.0.1:5672/"`
	AMQPUsername   string   `env:"AMQP_USERNAME"`
	AMQPPassword   string   `env:"AMQP_PASSWORD"`
	AMQPPrefetch   int      `env:"AMQP_PREFETCH" envDefault:"16"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"127.0.0.1:9092"`
	ClaimThreshold int      `env:"CLAIM_THRESHOLD" envDefault:"262144"`

	Blob      blob.Config
	Telemetry otel.Config

	// BusinessLogic maps a domain to the address of its business logic
	// service, e.g. "order=orders:9001,inventory=stock:9002".
	BusinessLogic   map[string]string `env:"BUSINESS_LOGIC" envKeyValSeparator:"="`
	Sagas           []Endpoint        `env:"SAGAS"`
	ProcessManagers []Endpoint        `env:"PROCESS_MANAGERS"`
	Projectors      []Endpoint        `env:"PROJECTORS"`

	WaitForHealth   bool          `env:"WAIT_FOR_HEALTH"`
	HandlerTimeout  time.Duration `env:"HANDLER_TIMEOUT" envDefault:"10s"`
	ProxyIdle       time.Duration `env:"PROXY_IDLE" envDefault:"2s"`
	ReactorAttempts int           `env:"REACTOR_ATTEMPTS" envDefault:"3"`
}

// Endpoint names a subscribed handler and the domains it listens to. Its
// text form is name=domain|domain@address.
type Endpoint struct {
	Name    string
	Domains []string
	Addr    string
}

// UnmarshalText parses name=domain|domain@address.
func (e *Endpoint) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return fmt.Errorf("endpoint %q: missing @address", raw)
	}
	head, addr := raw[:at], strings.TrimSpace(raw[at+1:])
	name, domains, ok := strings.Cut(head, "=")
	if !ok {
		return fmt.Errorf("endpoint %q: missing =domains", raw)
	}
	parsed := Endpoint{Name: strings.TrimSpace(name), Addr: addr}
	for _, domain := range strings.Split(domains, "|") {
		if domain = strings.TrimSpace(domain); domain != "" {
			parsed.Domains = append(parsed.Domains, domain)
		}
	}
	if parsed.Name == "" || parsed.Addr == "" || len(parsed.Domains) == 0 {
		return fmt.Errorf("endpoint %q: name, domains and address are required", raw)
	}
	*e = parsed
	return nil
}

// String renders the endpoint in its text form.
func (e Endpoint) String() string {
	return e.Name + "=" + strings.Join(e.Domains, "|") + "@" + e.Addr
}

// Validate checks backend selections and handler wiring.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreSQLite, StoreRedis:
	case StorePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres store requires EVCOORD_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.StoreBackend)
	}
	switch c.BusBackend {
	case BusChannel, BusAMQP:
	case BusKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka bus requires EVCOORD_KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("unsupported bus backend %q", c.BusBackend)
	}
	if len(c.BusinessLogic) == 0 {
		return fmt.Errorf("at least one business logic endpoint is required")
	}
	seen := map[string]bool{}
	for _, group := range [][]Endpoint{c.Sagas, c.ProcessManagers, c.Projectors} {
		for _, endpoint := range group {
			if seen[endpoint.Name] {
				return fmt.Errorf("duplicate handler name %q", endpoint.Name)
			}
			seen[endpoint.Name] = true
		}
	}
	if c.ReactorAttempts < 1 {
		return fmt.Errorf("reactor attempts must be >= 1")
	}
	return nil
}

// Domains returns every domain the process coordinates or observes, sorted.
func (c Config) Domains() []string {
	var domains []string
	for domain := range c.BusinessLogic {
		domains = append(domains, domain)
	}
	for _, group := range [][]Endpoint{c.Sagas, c.ProcessManagers, c.Projectors} {
		for _, endpoint := range group {
			domains = append(domains, endpoint.Domains...)
		}
	}
	slices.Sort(domains)
	return slices.Compact(domains)
}
