package scaffold

const migrationTemplate = `// {{ .Name }}
// created {{ .Created | date "2006-01-02 15:04:05 MST" }}{{ if .Author }} by {{ .Author }}{{ end }}
{{- if .Sample }}
//
// Sample migration. Files whose description ends in {{ .SampleSuffix | quote }}
// are never staged; copy it with "migrate-consul create" instead.
{{- end }}
{{- if .Examples }}
//
// The client writes one key per save() under a lock:
//
//   client.key("app/config").val("plain text").save();
//   client.key("app/config").jsonpath("$.features.beta").val(true).save();
//   client.key("app/config").jsonpath("$.limits.rps").val(function (old) { return (old || 0) + 10; }).save();
//   client.key("app/config").jsonpath("$.hosts").push("10.0.0.3").save();
//   client.key("app/config").jsonpath("$.hosts").pop().save();
//   client.key("app/config").jsonpath("$.hosts").splice("10.0.0.9", 1).save();
//   client.key("app/config").jsonpath("$.legacy").remove().save();
//   client.key("app/old").drop();
//   client.get("app/config");                  // current value or null
//   client.lookup("app/config", "limits.rps"); // gjson path
//   client.key("app/config").val("x").callback(function (v) { console.log(v); }).save();
//
// env is the environment name from the config file.
{{- end }}

function up(client, env) {
  client.key({{ .Key | toJson }}).val({{ .Value }}).save();
}

function down(client, env) {
{{- if .Original }}
  client.key({{ .Key | toJson }}).val({{ .Original }}).save();
{{- else }}
  client.key({{ .Key | toJson }}).drop();
{{- end }}
}
`

const configTemplate = `# migrate-consul configuration
migrationsDirectory: {{ .MigrationsDirectory | quote }}
environment: {{ .Environment | quote }}
sampleSuffix: {{ .SampleSuffix | quote }}
debug: {{ .Debug }}

consul:
  address: {{ .Consul.Address | quote }}
  scheme: {{ .Consul.Scheme | default "http" | quote }}
  datacenter: {{ .Consul.Datacenter | quote }}
  # the token is read from this variable when token is empty
  tokenEnvVar: {{ .Consul.TokenEnvVar | quote }}
  lockTTL: {{ .Consul.LockTTL.String | quote }}
  lockPrefix: {{ .Consul.LockPrefix | quote }}

database:
  # one of {{ .Drivers | join ", " }}
  driver: {{ .Database.Driver | quote }}
  dsn: {{ .Database.DSN | quote }}
  dsnEnvVar: {{ .Database.DSNEnvVar | quote }}
  name: {{ .Database.Name | quote }}

diff:
  # one of {{ .DiffModes | join ", " }}
  mode: {{ .Diff.Mode | quote }}
  maxLength: {{ .Diff.MaxLength }}
  color: {{ .Diff.Color }}

metrics:
  pushgateway: {{ .Metrics.Pushgateway | quote }}
  job: {{ .Metrics.Job | quote }}
`
