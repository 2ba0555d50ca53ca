package config

import (
	"net/url"
	"time"
)

// Configuration holds every recognized option of the federation engine. It is
// loaded once at startup and handed down by pointer; nothing mutates it after
// that.
type Configuration struct {
	// Name of the forum instance.
	Name string `mapstructure:"name"`
	// Domain is the name of the host running the application, without scheme.
	Domain string `mapstructure:"domain"`
	Https  bool   `mapstructure:"https"`
	Port   uint16 `mapstructure:"port"`
	// Url is the instance's base url, derived from Https and Domain.
	Url *url.URL `mapstructure:"-"`
	// DbUrl is the path to the main database file.
	DbUrl string `mapstructure:"db_url"`
	// TaskDbUrl is the path to the database file backing the background task
	// queue. Kept separate from the main database so queue churn never
	// contends with request-path writes.
	TaskDbUrl        string `mapstructure:"task_db_url"`
	MigrationsFolder string `mapstructure:"migrations_folder"`
	// RootSecret is the server-wide secret from which all vault keys are
	// derived. Changing it makes every encrypted private key unreadable.
	RootSecret string `mapstructure:"root_secret"`
	// AdminToken authorizes the operator endpoints (failed-job retry,
	// blocklist management).
	AdminToken string `mapstructure:"admin_token"`
	// RsaKeySize specifies the size of the RSA keys used by local actors when
	// signing outgoing activities.
	RsaKeySize int `mapstructure:"rsa_key_size"`
	// AuthorizedFetch, if true, requires incoming GET requests for actor
	// documents to carry a valid HTTP signature. Webfinger and nodeinfo are
	// always exempt.
	AuthorizedFetch bool `mapstructure:"authorized_fetch"`
	// AutoAcceptFollows controls whether local actors accept incoming follow
	// requests without manual review.
	AutoAcceptFollows bool `mapstructure:"auto_accept_follows"`
	// AllowPrivateNetworks disables the SSRF guard on outbound fetches and
	// deliveries. Only ever enable this for local development.
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks"`

	// SignatureMaxAge is the maximum accepted age of a signed request's Date
	// header.
	SignatureMaxAge time.Duration `mapstructure:"signature_max_age"`
	// ActorCacheTTL is how long a fetched remote actor document stays fresh.
	ActorCacheTTL time.Duration `mapstructure:"actor_cache_ttl"`
	// ActorCleanupInterval is how often the stale-actor sweep runs;
	// ActorMaxAge is the age past which an unreferenced remote actor is
	// removed by it.
	ActorCleanupInterval time.Duration `mapstructure:"actor_cleanup_interval"`
	ActorMaxAge          time.Duration `mapstructure:"actor_max_age"`

	// MaxPayloadSize caps inbound activity bodies; MaxContentLength caps the
	// sanitized content stored from a single remote object.
	MaxPayloadSize   int64 `mapstructure:"max_payload_size"`
	MaxContentLength int   `mapstructure:"max_content_length"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	MaxRedirects   int           `mapstructure:"max_redirects"`

	// DeliveryMaxAttempts is the number of delivery attempts before a job
	// becomes terminally failed and waits for an operator.
	DeliveryMaxAttempts  int           `mapstructure:"delivery_max_attempts"`
	DeliveryPollInterval time.Duration `mapstructure:"delivery_poll_interval"`
	DeliveryBatchSize    int           `mapstructure:"delivery_batch_size"`
	DeliveryConcurrency  int           `mapstructure:"delivery_concurrency"`
	// DeliveryLease bounds how long a claimed job may sit in-flight before
	// another worker may reclaim it.
	DeliveryLease time.Duration `mapstructure:"delivery_lease"`
	// BackoffSchedule is the ordered list of delays between delivery
	// attempts, indexed by attempt count.
	BackoffSchedule []time.Duration `mapstructure:"backoff_schedule"`

	// Debug, if true, makes the application log at debug level.
	Debug bool `mapstructure:"debug"`
}
