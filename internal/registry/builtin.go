package registry

import (
	"os"
	"strings"

	"github.com/agenticwork/mcp-proxy/internal/provider"
)

// Built-in providers are declared from this table at startup. Each entry
// carries an environment gate ({NAME}_MCP_DISABLED) checked at table
// construction: a gated-off provider is not registered at all, which is
// different from a registered-but-disabled one. The env overlays are
// resolved once, when the table is built, so a child sees the deployment
// values current at proxy startup.

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func gateDisabled(key, fallback string) bool {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	return strings.EqualFold(v, "true")
}

// BuiltinSpecs returns the built-in provider table with every env gate
// and overlay resolved against the current process environment.
func BuiltinSpecs() []provider.Spec {
	var specs []provider.Spec

	// Platform admin tooling. Admin principals only; the policy engine
	// enforces this independently of the flag here.
	if !gateDisabled("AWP_ADMIN_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:    "awp_admin",
			Command: []string{"fastmcp", "run", "-t", "stdio", "/app/mcp-servers/awp-admin-mcp/server.py"},
			Env: map[string]string{
				"DATABASE_URL": os.Getenv("DATABASE_URL"),
				"REDIS_URL":    os.Getenv("REDIS_URL"),
				"REDIS_HOST":   getenv("REDIS_HOST", "agenticworkchat-redis"),
				"REDIS_PORT":   getenv("REDIS_PORT", "6379"),
				"MILVUS_HOST":  getenv("MILVUS_HOST", "agenticworkchat-milvus"),
				"MILVUS_PORT":  getenv("MILVUS_PORT", "19530"),
				"LOG_LEVEL":    "info",
			},
			Transport: "stdio",
			Enabled:   true,
			AdminOnly: true,
		})
	}

	// Kubernetes cluster administration. The deployment namespace itself
	// is read-only for the child.
	if !gateDisabled("AWP_KUBERNETES_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:    "awp_kubernetes",
			Command: []string{"fastmcp", "run", "-t", "stdio", "/app/mcp-servers/awp-kubernetes-mcp/server.py"},
			Env: map[string]string{
				"AGENTICWORK_NAMESPACE": getenv("AGENTICWORK_NAMESPACE", "agenticwork"),
				"LOG_LEVEL":             "info",
			},
			Transport: "stdio",
			Enabled:   true,
			AdminOnly: true,
		})
	}

	if !gateDisabled("SEQUENTIAL_THINKING_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:      "sequential_thinking",
			Command:   []string{"npx", "-y", "@modelcontextprotocol/server-sequential-thinking"},
			Env:       map[string]string{},
			Transport: "stdio",
			Enabled:   true,
		})
	}

	// Web browsing and research.
	if !gateDisabled("AWP_WEB_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:    "awp_web",
			Command: []string{"python", "/app/mcp-servers/awp-web-mcp/server.py"},
			Env: map[string]string{
				"LOG_LEVEL":       "info",
				"REQUEST_TIMEOUT": getenv("AWP_WEB_REQUEST_TIMEOUT", "30"),
				"MEMORY_MCP_URL":  getenv("MEMORY_MCP_URL", "http://mcp-proxy:3100"),
			},
			Transport: "stdio",
			Enabled:   true,
		})
	}

	if !gateDisabled("AZURE_COST_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:    "azure_cost",
			Command: []string{"node", "/app/mcp-servers/azure-cost-mcp/dist/index.js"},
			Env: map[string]string{
				"AZURE_TENANT_ID":       os.Getenv("AZURE_TENANT_ID"),
				"AZURE_CLIENT_ID":       os.Getenv("AZURE_CLIENT_ID"),
				"AZURE_CLIENT_SECRET":   os.Getenv("AZURE_CLIENT_SECRET"),
				"AZURE_SUBSCRIPTION_ID": os.Getenv("AZURE_SUBSCRIPTION_ID"),
				"LOG_LEVEL":             "info",
			},
			Transport: "stdio",
			Enabled:   true,
		})
	}

	// Azure ARM operations with per-user token exchange. The exchange
	// credentials must be the main app's, because the user assertion is
	// scoped to the main app's application ID URI.
	if !gateDisabled("AWP_AZURE_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:    "awp_azure",
			Command: []string{"fastmcp", "run", "-t", "stdio", "/app/mcp-servers/awp-azure-mcp/src/server.py"},
			Env: map[string]string{
				"AZURE_TENANT_ID":             os.Getenv("AZURE_TENANT_ID"),
				"AZURE_CLIENT_ID":             os.Getenv("AZURE_CLIENT_ID"),
				"AZURE_CLIENT_SECRET":         os.Getenv("AZURE_CLIENT_SECRET"),
				"AZURE_SUBSCRIPTION_ID":       os.Getenv("AZURE_SUBSCRIPTION_ID"),
				"AWC_AZURE_OBO_CLIENT_ID":     os.Getenv("AZURE_CLIENT_ID"),
				"AWC_AZURE_OBO_CLIENT_SECRET": os.Getenv("AZURE_CLIENT_SECRET"),
				"LOG_LEVEL":                   "info",
			},
			Transport:   "stdio",
			Enabled:     true,
			SupportsOBO: true,
		})
	}

	if !gateDisabled("AWP_AZURE_COST_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:    "awp_azure_cost",
			Command: []string{"fastmcp", "run", "-t", "stdio", "/app/mcp-servers/awp-azure-cost-mcp/src/server.py"},
			Env: map[string]string{
				"AZURE_TENANT_ID":       os.Getenv("AZURE_TENANT_ID"),
				"AZURE_CLIENT_ID":       os.Getenv("AZURE_CLIENT_ID"),
				"AZURE_CLIENT_SECRET":   os.Getenv("AZURE_CLIENT_SECRET"),
				"AZURE_SUBSCRIPTION_ID": os.Getenv("AZURE_SUBSCRIPTION_ID"),
				"LOG_LEVEL":             "info",
			},
			Transport:   "stdio",
			Enabled:     true,
			SupportsOBO: true,
		})
	}

	// GCP runs on a service account; there is no GCP SSO to exchange
	// user tokens against.
	if !gateDisabled("AWP_GCP_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:    "awp_gcp",
			Command: []string{"fastmcp", "run", "-t", "stdio", "/app/mcp-servers/awp-gcp-mcp/src/server.py"},
			Env: map[string]string{
				"GCP_PROJECT_ID":       os.Getenv("GCP_PROJECT_ID"),
				"GCP_CREDENTIALS_JSON": os.Getenv("GCP_CREDENTIALS_JSON"),
				"GCP_CREDENTIALS_FILE": os.Getenv("GCP_CREDENTIALS_FILE"),
				"GCP_REGION":           getenv("GCP_REGION", "us-central1"),
				"LOG_LEVEL":            "info",
			},
			Transport: "stdio",
			Enabled:   true,
		})
	}

	// AWS via web-identity federation: the user's IdP token is traded at
	// STS for temporary credentials.
	if !gateDisabled("AWP_AWS_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:    "awp_aws",
			Command: []string{"fastmcp", "run", "-t", "stdio", "/app/mcp-servers/awp-aws-mcp/server.py"},
			Env: map[string]string{
				"AWS_REGION":             os.Getenv("AWS_REGION"),
				"AWS_OBO_ROLE_ARN":       os.Getenv("AWS_OBO_ROLE_ARN"),
				"AWS_ACCOUNT_ID":         os.Getenv("AWS_ACCOUNT_ID"),
				"AWS_IC_INSTANCE_ARN":    os.Getenv("AWS_IC_INSTANCE_ARN"),
				"AWS_IC_APPLICATION_ARN": os.Getenv("AWS_IC_APPLICATION_ARN"),
				"AWS_ACCESS_KEY_ID":      os.Getenv("AWS_ACCESS_KEY_ID"),
				"AWS_SECRET_ACCESS_KEY":  os.Getenv("AWS_SECRET_ACCESS_KEY"),
				"REDIS_HOST":             getenv("REDIS_HOST", "redis"),
				"REDIS_PORT":             getenv("REDIS_PORT", "6379"),
				"REDIS_PASSWORD":         os.Getenv("REDIS_PASSWORD"),
				"LOG_LEVEL":              "info",
			},
			Transport:   "stdio",
			Enabled:     true,
			SupportsOBO: true,
		})
	}

	// Off unless explicitly enabled.
	if !gateDisabled("VMWARE_MCP_DISABLED", "true") {
		specs = append(specs, provider.Spec{
			Name:    "vmware",
			Command: []string{"node", "/app/mcp-servers/vmware-mcp-server/dist/index.js"},
			Env: map[string]string{
				"VMWARE_HOST":     os.Getenv("VMWARE_HOST"),
				"VMWARE_USERNAME": os.Getenv("VMWARE_USERNAME"),
				"VMWARE_PASSWORD": os.Getenv("VMWARE_PASSWORD"),
				"LOG_LEVEL":       "info",
			},
			Transport: "stdio",
			Enabled:   true,
		})
	}

	// Both gate spellings are honored; the short one wins when set.
	prometheusGate := os.Getenv("PROMETHEUS_MCP_DISABLED")
	if prometheusGate == "" {
		prometheusGate = getenv("AWP_PROMETHEUS_MCP_DISABLED", "false")
	}
	if !strings.EqualFold(prometheusGate, "true") {
		specs = append(specs, provider.Spec{
			Name:    "awp_prometheus",
			Command: []string{"prometheus-mcp-server"},
			Env: map[string]string{
				"PROMETHEUS_URL": getenv("PROMETHEUS_URL", "http://prometheus:9090"),
				"LOG_LEVEL":      "info",
			},
			Transport: "stdio",
			Enabled:   true,
		})
	}

	// Workflow management. FLOWISE_URL must go through the platform's
	// workspace proxy so per-user workspace context gets injected.
	if !gateDisabled("AWP_FLOWISE_MCP_DISABLED", "false") {
		apiInternalURL := getenv("API_INTERNAL_URL", "http://agenticwork-api:8000")
		specs = append(specs, provider.Spec{
			Name:    "awp_flowise",
			Command: []string{"fastmcp", "run", "-t", "stdio", "/app/mcp-servers/awp-flowise-mcp/server.py"},
			Env: map[string]string{
				"FLOWISE_URL":                  getenv("FLOWISE_URL", apiInternalURL+"/api/flowise-workspace"),
				"FLOWISE_DIRECT_URL":           getenv("FLOWISE_DIRECT_URL", "http://agenticwork-flowise:3000"),
				"API_INTERNAL_URL":             apiInternalURL,
				"FLOWISE_API_KEY":              os.Getenv("FLOWISE_API_KEY"),
				"FLOWISE_ADMIN_TOKEN":          os.Getenv("FLOWISE_ADMIN_TOKEN"),
				"FLOWISE_DEFAULT_WORKSPACE_ID": os.Getenv("FLOWISE_DEFAULT_WORKSPACE_ID"),
				"APP_BASE_URL":                 getenv("APP_BASE_URL", "https://chat-dev.agenticwork.io"),
				"LOG_LEVEL":                    "info",
			},
			Transport:   "stdio",
			Enabled:     true,
			SupportsOBO: true,
		})
	}

	// Code read/write in the user's workspace. Isolation comes from the
	// user_id argument, not from token exchange.
	if !gateDisabled("AWP_AGENTICODE_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:    "awp_agenticode",
			Command: []string{"fastmcp", "run", "-t", "stdio", "/app/mcp-servers/awp-agenticode-mcp/server.py"},
			Env: map[string]string{
				"AGENTICODE_MANAGER_URL": getenv("AGENTICODE_MANAGER_URL", "http://agenticode-manager:3050"),
				"AGENTICWORK_API_URL":    getenv("AGENTICWORK_API_URL", "http://agenticwork-api:8000"),
				"MCP_SERVICE_AUTH_KEY":   os.Getenv("MCP_SERVICE_AUTH_KEY"),
				"INTERNAL_API_KEY":       os.Getenv("CODE_MANAGER_INTERNAL_KEY"),
				"LOG_LEVEL":              "info",
			},
			Transport:    "stdio",
			Enabled:      true,
			InjectUserID: true,
		})
	}

	// Agentic task execution through the serverless CLI. Each user gets
	// an isolated child managed by the session fleet.
	if !gateDisabled("AWP_AGENTICWORK_CLI_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:    "awp_agenticwork_cli",
			Command: []string{"fastmcp", "run", "-t", "stdio", "/app/mcp-servers/awp-agenticwork-cli-mcp/server.py"},
			Env: map[string]string{
				"AGENTICODE_MANAGER_URL": getenv("AGENTICODE_MANAGER_URL", "http://agenticode-manager:3050"),
				"AGENTICWORK_API_URL":    getenv("AGENTICWORK_API_URL", "http://agenticwork-api:8000"),
				"MCP_SERVICE_AUTH_KEY":   os.Getenv("MCP_SERVICE_AUTH_KEY"),
				"INTERNAL_API_KEY":       os.Getenv("CODE_MANAGER_INTERNAL_KEY"),
				"LOG_LEVEL":              "info",
			},
			Transport:       "stdio",
			Enabled:         true,
			InjectUserID:    true,
			PerUserIsolated: true,
		})
	}

	// Off unless explicitly enabled.
	if !gateDisabled("AWP_SERVICENOW_MCP_DISABLED", "true") {
		specs = append(specs, provider.Spec{
			Name:    "awp_servicenow",
			Command: []string{"fastmcp", "run", "-t", "stdio", "/app/mcp-servers/awp-servicenow-mcp/src/server.py"},
			Env: map[string]string{
				"SERVICENOW_INSTANCE_URL":  os.Getenv("SERVICENOW_INSTANCE_URL"),
				"SERVICENOW_CLIENT_ID":     os.Getenv("SERVICENOW_CLIENT_ID"),
				"SERVICENOW_CLIENT_SECRET": os.Getenv("SERVICENOW_CLIENT_SECRET"),
				"AZURE_TENANT_ID":          os.Getenv("AZURE_TENANT_ID"),
				"AZURE_CLIENT_ID":          os.Getenv("AZURE_CLIENT_ID"),
				"AZURE_CLIENT_SECRET":      os.Getenv("AZURE_CLIENT_SECRET"),
				"SERVICENOW_USERNAME":      os.Getenv("SERVICENOW_USERNAME"),
				"SERVICENOW_PASSWORD":      os.Getenv("SERVICENOW_PASSWORD"),
				"LOG_LEVEL":                "info",
			},
			Transport:   "stdio",
			Enabled:     true,
			SupportsOBO: true,
		})
	}

	// Remote AWS-hosted docs and best-practice guidance.
	if !gateDisabled("AWS_KNOWLEDGE_MCP_DISABLED", "false") {
		specs = append(specs, provider.Spec{
			Name:      "aws_knowledge",
			Command:   []string{"uvx", "fastmcp", "run", "https://knowledge-mcp.global.api.aws"},
			Env:       map[string]string{"AWS_REGION": os.Getenv("AWS_REGION")},
			Transport: "stdio",
			Enabled:   true,
		})
	}

	return specs
}
