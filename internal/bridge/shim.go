package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// shimTemplate is the CommonJS module generated for each declared
// capability. It is platform code, not tenant code — the validator's
// deny-list applies only to submitted source, while shims may use the
// interpreter's socket API to reach the bridge.
const shimTemplate = `"use strict";
// Generated capability shim. Do not edit.
const net = require("net");

module.exports = function (input) {
  return new Promise(function (resolve, reject) {
    const sock = net.createConnection(process.env[%q]);
    let buf = "";
    sock.on("connect", function () {
      sock.write(JSON.stringify({ path: %q, input: input || {} }) + "\n");
    });
    sock.on("data", function (chunk) {
      buf += chunk.toString();
      const nl = buf.indexOf("\n");
      if (nl < 0) return;
      sock.end();
      let resp;
      try {
        resp = JSON.parse(buf.slice(0, nl));
      } catch (err) {
        reject(new Error("malformed bridge response"));
        return;
      }
      if (resp.ok) resolve(resp.output);
      else reject(new Error(resp.error || "capability call failed"));
    });
    sock.on("error", reject);
  });
};
`

// WriteShims materializes shim modules for the given capability import
// paths under <scratchDir>/node_modules, so require("capabilities/x")
// resolves inside the sandbox. Paths are sanitized against traversal
// even though they already passed registry resolution.
func WriteShims(scratchDir string, importPaths []string) error {
	for _, p := range importPaths {
		if strings.Contains(p, "..") || strings.HasPrefix(p, "/") {
			return fmt.Errorf("invalid capability path %q", p)
		}
		target := filepath.Join(scratchDir, "node_modules", filepath.FromSlash(p)+".js")
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating shim dir for %q: %w", p, err)
		}
		shim := fmt.Sprintf(shimTemplate, SocketEnvVar, p)
		if err := os.WriteFile(target, []byte(shim), 0o644); err != nil {
			return fmt.Errorf("writing shim for %q: %w", p, err)
		}
	}
	return nil
}
