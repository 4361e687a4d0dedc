package shell

// ExtraFrecklets returns the built-in shell frecklets.
func (a *Adapter) ExtraFrecklets(map[string][]string) (map[string]map[string]interface{}, error) {
	return map[string]map[string]interface{}{
		"echo": {
			"doc": map[string]interface{}{
				"short_help": "Print a message on the target.",
			},
			"args": map[string]interface{}{
				"message": map[string]interface{}{
					"type": "string",
					"doc":  "the message",
				},
			},
			"frecklets": []interface{}{
				map[string]interface{}{
					"frecklet": map[string]interface{}{
						"name":       "echo",
						"type":       TypeShellCommand,
						"idempotent": true,
					},
					"task": map[string]interface{}{
						"command": "echo {{ message }}",
					},
					"vars": map[string]interface{}{
						"message": "{{:: message ::}}",
					},
				},
			},
		},
		"execute-shell": {
			"doc": map[string]interface{}{
				"short_help": "Execute a command line with sh.",
				"help":       "The command is passed to `sh -c` without any quoting.",
			},
			"args": map[string]interface{}{
				"command": map[string]interface{}{
					"type": "string",
					"doc":  "the command line",
				},
				"chdir": map[string]interface{}{
					"type":     "string",
					"required": false,
					"doc":      "working directory",
				},
				"become": map[string]interface{}{
					"type":     "boolean",
					"required": false,
					"default":  false,
					"doc":      "run the command with sudo",
				},
			},
			"frecklets": []interface{}{
				map[string]interface{}{
					"frecklet": map[string]interface{}{
						"name": "execute-shell",
						"type": TypeShellCommand,
						"msg":  "executing '{{:: command ::}}'",
					},
					"task": map[string]interface{}{
						"command": "{{:: command ::}}",
						"chdir":   "{{:: chdir ::}}",
						"become":  "{{:: become ::}}",
						KeyRaw:    true,
					},
				},
			},
		},
	}, nil
}
