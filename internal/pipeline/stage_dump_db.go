package pipeline

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// RunDumpDB invokes the WordPress database client in add-drop-table,
// single-transaction mode into temp/database.sql (spec §4.1 dump_db).
// Grounded on the teacher's pg_dump invocation (internal/handlers/backup.go):
// same exec.Command + PGPASSWORD-style env injection + CombinedOutput idiom,
// swapped to mysqldump for WordPress's MySQL/MariaDB.
func RunDumpDB(c *Context) StageResult {
	if err := c.Governor.IO.Acquire(c.Done()); err != nil {
		return StageResult{Status: StageFailed, Message: "cancelled waiting for I/O permit", ErrorKind: "Cancelled"}
	}
	defer c.Governor.IO.Release()

	host, name, user, pass := c.DBHost, c.DBName, c.DBUser, c.DBPassword
	if host == "" || name == "" || user == "" {
		parsed, err := ParseWPConfig(c.WPConfigPath)
		if err != nil {
			return StageResult{Status: StageFailed, Message: "could not resolve database credentials: " + err.Error(), ErrorKind: "Config"}
		}
		host, name, user, pass = parsed.DBHost, parsed.DBName, parsed.DBUser, parsed.DBPassword
	}
	if host == "" || name == "" || user == "" {
		return StageResult{Status: StageFailed, Message: "database credentials unresolved", ErrorKind: "Config"}
	}

	dumpPath := filepath.Join(c.TempDir, "database.sql")
	cmd := exec.CommandContext(c.Done(), "mysqldump",
		"-h", host,
		"-u", user,
		"--add-drop-table",
		"--single-transaction",
		"--result-file="+dumpPath,
		name,
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("MYSQL_PWD=%s", pass))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if c.Cancelled() {
			return StageResult{Status: StageFailed, Message: "stopped", ErrorKind: "Cancelled"}
		}
		return StageResult{Status: StageFailed, Message: "mysqldump failed: " + string(output), ErrorKind: "Transient"}
	}

	c.Scratch["database_sql_path"] = dumpPath
	return StageResult{Status: StageOK, Message: "database dumped"}
}

// WPConfig holds the credentials parsed out of wp-config.php when a site
// has no explicit DB credential override (spec §4.1 dump_db).
type WPConfig struct {
	DBHost, DBName, DBUser, DBPassword string
}

// ParseWPConfig extracts DB_HOST/DB_NAME/DB_USER/DB_PASSWORD define()
// statements from a WordPress wp-config.php file.
func ParseWPConfig(path string) (WPConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WPConfig{}, err
	}
	content := string(data)
	return WPConfig{
		DBHost:     extractDefine(content, "DB_HOST"),
		DBName:     extractDefine(content, "DB_NAME"),
		DBUser:     extractDefine(content, "DB_USER"),
		DBPassword: extractDefine(content, "DB_PASSWORD"),
	}, nil
}

func extractDefine(content, constant string) string {
	marker := "define('" + constant + "'"
	idx := indexOf(content, marker)
	if idx < 0 {
		marker = "define(\"" + constant + "\""
		idx = indexOf(content, marker)
		if idx < 0 {
			return ""
		}
	}
	rest := content[idx+len(marker):]
	// rest looks like: , 'value');  or  , "value");
	start := -1
	var quote byte
	for i := 0; i < len(rest); i++ {
		if rest[i] == '\'' || rest[i] == '"' {
			start = i + 1
			quote = rest[i]
			break
		}
	}
	if start < 0 {
		return ""
	}
	end := indexOfByte(rest[start:], quote)
	if end < 0 {
		return ""
	}
	return rest[start : start+end]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func indexOfByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
