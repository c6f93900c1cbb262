package sublink_test

import (
	"os"
	"strings"
	"testing"
)

func readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

// serviceBlock はdocker-compose.ymlから指定サービスの定義部分を切り出す。
func serviceBlock(t *testing.T, compose, name string) string {
	t.Helper()
	start := strings.Index(compose, "\n  "+name+":\n")
	if start < 0 {
		t.Fatalf("docker-compose.yml should contain service %q", name)
	}
	rest := compose[start+1:]
	lines := strings.Split(rest, "\n")
	var b strings.Builder
	for i, line := range lines {
		// 次のサービスまたはトップレベルのキーで終了する
		if i > 0 && (strings.HasPrefix(line, "  ") && !strings.HasPrefix(line, "   ") || (line != "" && !strings.HasPrefix(line, " "))) {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func TestDockerfileMultiStageBuild(t *testing.T) {
	content := readFile(t, "Dockerfile")

	// マルチステージビルドの確認: ビルドステージと実行ステージが存在すること
	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは軽量イメージであること
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") {
		t.Errorf("final stage should use a distroless image, got: %s", lastFrom)
	}
}

func TestDockerfileBuildsSublinkBinary(t *testing.T) {
	content := readFile(t, "Dockerfile")

	if !strings.Contains(content, "./cmd/sublink") {
		t.Error("Dockerfile should build ./cmd/sublink")
	}
	if !strings.Contains(content, `ENTRYPOINT ["/app/sublink"]`) {
		t.Error("Dockerfile should use the sublink binary as ENTRYPOINT")
	}
}

func TestDockerfileHealthcheckUsesSubcommand(t *testing.T) {
	content := readFile(t, "Dockerfile")

	// distrolessにはcurlが無いため、バイナリのhealthcheckサブコマンドを使うこと
	if !strings.Contains(content, `"healthcheck"`) {
		t.Error("Dockerfile HEALTHCHECK should run the healthcheck subcommand")
	}
}

func TestDockerComposeServices(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	for _, svc := range []string{"api", "worker", "migrate", "db"} {
		serviceBlock(t, content, svc)
	}
	if !strings.Contains(content, "image: postgres:") {
		t.Error("docker-compose.yml should use PostgreSQL image")
	}
}

func TestDockerComposeSubcommands(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	tests := map[string]string{
		"api":     `command: ["serve"]`,
		"worker":  `command: ["worker"]`,
		"migrate": `command: ["migrate"]`,
	}
	for svc, want := range tests {
		if block := serviceBlock(t, content, svc); !strings.Contains(block, want) {
			t.Errorf("service %q should run %s, got:\n%s", svc, want, block)
		}
	}
}

func TestDockerComposeNetworks(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	if !strings.Contains(content, "internal: true") {
		t.Error("docker-compose.yml should define an internal network (internal: true)")
	}

	// GitHubと通信するのはapiのみ。workerとdbは外部に出られないこと
	if block := serviceBlock(t, content, "api"); !strings.Contains(block, "- external") {
		t.Error("api service should join the external network")
	}
	for _, svc := range []string{"worker", "db"} {
		if block := serviceBlock(t, content, svc); strings.Contains(block, "- external") {
			t.Errorf("service %q should not join the external network", svc)
		}
	}
}
