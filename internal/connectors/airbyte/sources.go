package airbyte

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
)

// Supported source types. mongodb is an alias of mongodb-v2.
const (
	SourceHTTP     = "http"
	SourcePostgres = "postgres"
	SourceMySQL    = "mysql"
	SourceMongoDB  = "mongodb-v2"
	SourceFile     = "file"
	SourceStripe   = "stripe"
	SourceShopify  = "shopify"
)

type sourceBuilder func(in map[string]any, conn registry.Config) (map[string]any, error)

var sourceBuilders = map[string]sourceBuilder{
	SourceHTTP:     httpSource,
	SourcePostgres: postgresSource,
	SourceMySQL:    mysqlSource,
	SourceMongoDB:  mongoSource,
	SourceFile:     fileSource,
	SourceStripe:   stripeSource,
	SourceShopify:  shopifySource,
}

// SourceTypes lists the source types BuildSourceConfiguration accepts.
func SourceTypes() []string {
	out := make([]string, 0, len(sourceBuilders))
	for k := range sourceBuilders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeSourceType resolves aliases. Unknown types come back unchanged.
func NormalizeSourceType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch t {
	case "mongodb", "mongo":
		return SourceMongoDB
	case "postgresql", "pg":
		return SourcePostgres
	case "rest", "api":
		return SourceHTTP
	}
	return t
}

// BuildSourceConfiguration maps an integration's source settings to the
// platform's configuration document. Secret references in in must already be
// resolved.
func BuildSourceConfiguration(sourceType string, in map[string]any, conn registry.Config) (map[string]any, error) {
	sourceType = NormalizeSourceType(sourceType)
	build, ok := sourceBuilders[sourceType]
	if !ok {
		return nil, registry.NewError(registry.CodeValidation, "unsupported_source", fmt.Sprintf("unsupported source type %q", sourceType))
	}
	if in == nil {
		in = map[string]any{}
	}
	out, err := build(in, conn)
	if err != nil {
		return nil, err
	}
	out["sourceType"] = sourceType
	return out, nil
}

func httpSource(in map[string]any, conn registry.Config) (map[string]any, error) {
	target := str(in, "url")
	if target == "" {
		target = conn.BaseURL
	}
	if target == "" {
		return nil, missing("http", "url")
	}
	out := map[string]any{
		"url":         target,
		"http_method": strings.ToUpper(strDefault(in, "method", "GET")),
	}
	headers := map[string]any{}
	for k, v := range conn.Headers {
		headers[k] = v
	}
	if h, ok := in["headers"].(map[string]any); ok {
		for k, v := range h {
			headers[k] = v
		}
	}
	if len(headers) > 0 {
		out["headers"] = headers
	}
	if body, ok := in["body"]; ok {
		out["body"] = body
	}
	return out, nil
}

func postgresSource(in map[string]any, _ registry.Config) (map[string]any, error) {
	if err := require("postgres", in, "host", "database", "username"); err != nil {
		return nil, err
	}
	schemas := strList(in, "schemas")
	if len(schemas) == 0 {
		schemas = []string{"public"}
	}
	return map[string]any{
		"host":               str(in, "host"),
		"port":               intDefault(in, "port", 5432),
		"database":           str(in, "database"),
		"schemas":            schemas,
		"username":           str(in, "username"),
		"password":           str(in, "password"),
		"ssl_mode":           map[string]any{"mode": strDefault(in, "sslMode", "prefer")},
		"replication_method": map[string]any{"method": "Standard"},
	}, nil
}

func mysqlSource(in map[string]any, _ registry.Config) (map[string]any, error) {
	if err := require("mysql", in, "host", "database", "username"); err != nil {
		return nil, err
	}
	return map[string]any{
		"host":               str(in, "host"),
		"port":               intDefault(in, "port", 3306),
		"database":           str(in, "database"),
		"username":           str(in, "username"),
		"password":           str(in, "password"),
		"replication_method": map[string]any{"method": "STANDARD"},
	}, nil
}

func mongoSource(in map[string]any, _ registry.Config) (map[string]any, error) {
	if err := require("mongodb", in, "connectionString", "database"); err != nil {
		return nil, err
	}
	return map[string]any{
		"database_config": map[string]any{
			"cluster_type":      strDefault(in, "clusterType", "SELF_MANAGED_REPLICA_SET"),
			"connection_string": str(in, "connectionString"),
			"database":          str(in, "database"),
			"username":          str(in, "username"),
			"password":          str(in, "password"),
		},
	}, nil
}

func fileSource(in map[string]any, _ registry.Config) (map[string]any, error) {
	if err := require("file", in, "url"); err != nil {
		return nil, err
	}
	return map[string]any{
		"dataset_name": strDefault(in, "datasetName", "data"),
		"format":       strDefault(in, "format", "csv"),
		"url":          str(in, "url"),
		"provider":     map[string]any{"storage": strDefault(in, "storage", "HTTPS")},
	}, nil
}

func stripeSource(in map[string]any, _ registry.Config) (map[string]any, error) {
	if err := require("stripe", in, "accountId", "clientSecret"); err != nil {
		return nil, err
	}
	out := map[string]any{
		"account_id":    str(in, "accountId"),
		"client_secret": str(in, "clientSecret"),
	}
	if v := str(in, "startDate"); v != "" {
		out["start_date"] = v
	}
	return out, nil
}

func shopifySource(in map[string]any, _ registry.Config) (map[string]any, error) {
	if err := require("shopify", in, "shop", "apiPassword"); err != nil {
		return nil, err
	}
	out := map[string]any{
		"shop": str(in, "shop"),
		"credentials": map[string]any{
			"auth_method":  "api_password",
			"api_password": str(in, "apiPassword"),
		},
	}
	if v := str(in, "startDate"); v != "" {
		out["start_date"] = v
	}
	return out, nil
}

// DestinationSettings describes the platform warehouse.
type DestinationSettings struct {
	Host     string
	Port     int
	Database string
	// Schema overrides the per-tenant schema when set.
	Schema   string
	Username string
	Password string
}

var schemaUnsafe = regexp.MustCompile(`[^a-z0-9_]+`)

// TenantSchema returns tenant_<id> with the id reduced to [a-z0-9_].
func TenantSchema(tenantID string) string {
	id := schemaUnsafe.ReplaceAllString(strings.ToLower(tenantID), "_")
	id = strings.Trim(id, "_")
	if id == "" {
		id = "default"
	}
	return "tenant_" + id
}

// DestinationConfiguration builds the Postgres warehouse document.
func (d DestinationSettings) DestinationConfiguration(tenantID string) (map[string]any, error) {
	if d.Host == "" || d.Database == "" || d.Username == "" {
		return nil, registry.NewError(registry.CodeValidation, "invalid_destination", "warehouse host, database and username are required")
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	schema := d.Schema
	if schema == "" {
		schema = TenantSchema(tenantID)
	}
	return map[string]any{
		"destinationType": "postgres",
		"host":            d.Host,
		"port":            port,
		"database":        d.Database,
		"schema":          schema,
		"username":        d.Username,
		"password":        d.Password,
		"ssl_mode":        map[string]any{"mode": "prefer"},
	}, nil
}

func missing(sourceType, field string) error {
	return registry.NewError(registry.CodeValidation, "invalid_source", fmt.Sprintf("%s source requires %q", sourceType, field))
}

func require(sourceType string, in map[string]any, fields ...string) error {
	for _, f := range fields {
		if str(in, f) == "" {
			return missing(sourceType, f)
		}
	}
	return nil
}

func str(in map[string]any, key string) string {
	switch v := in[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func strDefault(in map[string]any, key, def string) string {
	if v := str(in, key); v != "" {
		return v
	}
	return def
}

func intDefault(in map[string]any, key string, def int) int {
	switch v := in[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func strList(in map[string]any, key string) []string {
	switch v := in[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}
