package policy

// DefaultDocumentYAML returns a commented YAML policy document for
// init-policy. Values match DefaultConfig.
func DefaultDocumentYAML() string {
	return `# quantgate policy document
# Generated by: quantgate init-policy
#
# The document is loaded once into an immutable snapshot. Edits are
# picked up by the running daemon via atomic snapshot replacement;
# in-flight requests keep the snapshot they started with.
version: v1

# Allow/deny capability sets per content type. An identifier present in
# both the allow and deny set is rejected at load time.
capabilities:
  code:
    max_depth: 24
    max_nodes: 2000
    max_imports: 8
    max_content_size: 65536
  expression:
    max_depth: 16
    max_nodes: 500
    max_imports: 0
    max_content_size: 8192
    # allowed_calls extends the built-in numeric/statistical whitelist.
    # The factor-expression operator registry is merged here on reload.
    # allowed_calls: [wma, ts_argmax]
  prompt:
    max_content_size: 131072
  config:
    max_content_size: 262144

# Hard resource ceilings per isolation level. Request budgets are
# clamped against these, never extended past them.
ceilings:
  microvm:
    max_memory_mb: 1024
    max_cpu_millicores: 2000
    max_processes: 64
    max_wall_time: 60s
  namespace_sandbox:
    max_memory_mb: 256
    max_cpu_millicores: 500
    max_processes: 16
    max_wall_time: 15s

# Outbound network policy. Deny-all by default; deny_cidrs always win
# over allow_hosts. denial_flagging is how many denied attempts in one
# execution raise a network_violation.
network:
  allow_hosts: []
  #  - pypi.org:443
  deny_cidrs:
    - 10.0.0.0/8
    - 172.16.0.0/12
    - 192.168.0.0/16
    - 127.0.0.0/8
    - 169.254.0.0/16
  denial_flagging: 3

# Sandbox pool targets per isolation level.
pools:
  container:
    target: 4
    max: 16
  namespace_sandbox:
    target: 8
    max: 32

# Consecutive creation failures before the ladder degrades a backend.
degrade_after: 10

# Audit log. The JSONL hash chain is the source of truth; index_path is
# an optional sqlite mirror for queries.
audit:
  path: ""
  index_path: ""
  retention: 720h
  rotate_bytes: 67108864

# Webhook alerts, matched by event type.
alerts: []
#  - url: https://hooks.example.com/quantgate
#    events: [degradation_triggered, audit_write_failed]
`
}
