package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hive-corporation/iochub/internal/adapter/handler"
)

func main() {
	targetFile := flag.String("file", "go.mod", "Caminho para o go.mod")
	serverAddr := flag.String("server", "localhost:50051", "Endereço da API gRPC do IOC Hub")
	stixOut := flag.String("stix", "", "Exporta o bundle STIX para este arquivo em vez de analisar dependências")
	artifact := flag.String("artifact", "", "Filtro de artefato para -stix")
	flag.Parse()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("❌ error connecting to IOC Hub: %v", err)
	}
	defer conn.Close()

	client := handler.NewIOCHubClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *stixOut != "" {
		if err := exportSTIX(ctx, client, *artifact, *stixOut); err != nil {
			log.Fatalf("❌ %v", err)
		}
		return
	}

	file, err := os.Open(*targetFile)
	if err != nil {
		log.Fatalf("❌ error reading file: %v", err)
	}
	defer file.Close()

	fmt.Printf("🔍 analyzing %s against IOC Hub at %s...\n\n", *targetFile, *serverAddr)

	scanner := bufio.NewScanner(file)
	threatsFound := 0
	scanned := 0

	for scanner.Scan() {
		pkgName, ok := moduleFromLine(scanner.Text())
		if !ok {
			continue
		}

		scanned++
		matches, err := lookupArtifact(ctx, client, pkgName)
		if err != nil {
			log.Printf("⚠️ error checking %s: %v", pkgName, err)
			continue
		}

		if len(matches) > 0 {
			fmt.Printf("🚨 [MALICIOUS] %s -> %d IOCs (%s)\n", pkgName, len(matches), strings.Join(matches, ", "))
			threatsFound++
		} else {
			fmt.Printf("✅ [CLEAN] %s\n", pkgName)
		}
	}

	fmt.Println("------------------------------------------------")
	if threatsFound > 0 {
		fmt.Printf("❌ FAIL: %d malicious dependencies found.\n", threatsFound)
		os.Exit(1)
	}

	fmt.Printf("✅ SUCCESS: %d dependencies checked. No threats found.\n", scanned)
}

// moduleFromLine extracts the module path from a go.mod require line.
func moduleFromLine(line string) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) < 2 {
		return "", false
	}

	pkgName := parts[0]
	switch pkgName {
	case "require":
		if len(parts) < 3 || parts[1] == "(" {
			return "", false
		}
		pkgName = parts[1]
	case "module", "go", "toolchain", "replace", "exclude", "retract", "//":
		return "", false
	}
	if strings.HasPrefix(pkgName, "//") {
		return "", false
	}

	return trimMajorVersion(pkgName), true
}

// trimMajorVersion drops a trailing /vN suffix.
func trimMajorVersion(path string) string {
	i := strings.LastIndex(path, "/v")
	if i < 0 {
		return path
	}
	suffix := path[i+2:]
	if suffix == "" {
		return path
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return path
		}
	}
	return path[:i]
}

// lookupArtifact returns the IOC values recorded for an artifact. The server
// filter is a substring match, so results are narrowed to the exact name.
// limit 0 lifts the server's default page size so exact matches are never cut.
func lookupArtifact(ctx context.Context, client *handler.IOCHubClient, name string) ([]string, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"artifact": name, "limit": 0})
	if err != nil {
		return nil, err
	}

	resp, err := client.QueryIOCs(ctx, req)
	if err != nil {
		return nil, err
	}

	var values []string
	for _, item := range resp.GetFields()["items"].GetListValue().GetValues() {
		fields := item.GetStructValue().GetFields()
		if !strings.EqualFold(fields["artifact"].GetStringValue(), name) {
			continue
		}
		values = append(values, fields["value"].GetStringValue())
	}
	return values, nil
}

func exportSTIX(ctx context.Context, client *handler.IOCHubClient, artifact, path string) error {
	req, err := structpb.NewStruct(map[string]interface{}{"artifact": artifact})
	if err != nil {
		return err
	}

	resp, err := client.ExportSTIX(ctx, req)
	if err != nil {
		return fmt.Errorf("error exporting STIX: %w", err)
	}

	if err := os.WriteFile(path, resp.GetValue(), 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	fmt.Printf("✅ STIX bundle written to %s (%d bytes)\n", path, len(resp.GetValue()))
	return nil
}
