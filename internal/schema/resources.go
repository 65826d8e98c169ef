package schema

// init registers the JSON Schema documents for every (resource, action)
// pair the dispatcher validates against, per spec.md §4.6. additionalProperties
// is set explicitly everywhere (Open Question (b)): false for every resource
// except the free-form clientData/profile value maps, which by nature accept
// arbitrary keys.
func init() {
	registerEvents()
	registerStreams()
	registerAccesses()
	registerProfile()
	registerFollowedSlices()
	registerAccount()
	registerSystem()
}

func registerEvents() {
	Register("events", Create, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":          map[string]any{"type": "string"},
			"streamId":    map[string]any{"type": "string"},
			"streamIds":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 1},
			"type":        map[string]any{"type": "string", "pattern": `^(series:)?[a-z0-9-]+/[a-z0-9-]+$`},
			"time":        map[string]any{"type": "number"},
			"duration":    map[string]any{"type": []any{"number", "null"}},
			"content":     map[string]any{},
			"tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"description": map[string]any{"type": "string"},
			"clientData":  map[string]any{"type": "object"},
			"trashed":     map[string]any{"type": "boolean"},
		},
		"required":             []any{"type"},
		"additionalProperties": false,
	})

	Register("events", Read, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"streams":          map[string]any{},
			"tags":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"types":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"fromTime":         map[string]any{"type": "number"},
			"toTime":           map[string]any{"type": "number"},
			"sortAscending":    map[string]any{"type": "boolean"},
			"skip":             map[string]any{"type": "integer", "minimum": 0},
			"limit":            map[string]any{"type": "integer", "minimum": 0},
			"state":            map[string]any{"type": "string", "enum": []any{"default", "trashed", "all"}},
			"modifiedSince":    map[string]any{"type": "number"},
			"includeDeletions": map[string]any{"type": "boolean"},
			"running":          map[string]any{"type": "boolean"},
		},
		"additionalProperties": false,
	})
	RegisterPropertyTypes("events", Read, map[string]string{
		"tags": "array", "types": "array", "fromTime": "number", "toTime": "number",
		"sortAscending": "boolean", "skip": "integer", "limit": "integer",
		"modifiedSince": "number", "includeDeletions": "boolean", "running": "boolean",
	})

	Register("events", Update, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":          map[string]any{"type": "string"}, // path-injected target id, not an alterable field
			"streamIds":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 1},
			"type":        map[string]any{"type": "string", "pattern": `^(series:)?[a-z0-9-]+/[a-z0-9-]+$`},
			"time":        map[string]any{"type": "number"},
			"duration":    map[string]any{"type": []any{"number", "null"}},
			"content":     map[string]any{},
			"tags":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"description": map[string]any{"type": "string"},
			"clientData":  map[string]any{"type": "object"},
		},
		"additionalProperties": false,
	}, "streamIds", "type", "time", "duration", "content", "tags", "description", "clientData")

	Register("events", "addAttachment", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":       map[string]any{"type": "string"},
			"fileName": map[string]any{"type": "string", "minLength": 1},
			"type":     map[string]any{"type": "string"},
			"size":     map[string]any{"type": "integer", "minimum": 0},
		},
		"required":             []any{"id", "fileName", "size"},
		"additionalProperties": false,
	})

	Register("events", "deleteAttachment", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":           map[string]any{"type": "string"},
			"attachmentId": map[string]any{"type": "string"},
		},
		"required":             []any{"id", "attachmentId"},
		"additionalProperties": false,
	})
}

func registerStreams() {
	Register("streams", Create, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":         map[string]any{"type": "string"},
			"name":       map[string]any{"type": "string", "minLength": 1},
			"parentId":   map[string]any{"type": []any{"string", "null"}},
			"clientData": map[string]any{"type": "object"},
		},
		"required":             []any{"name"},
		"additionalProperties": false,
	})

	Register("streams", Read, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"parentId":              map[string]any{"type": "string"},
			"state":                 map[string]any{"type": "string", "enum": []any{"default", "trashed", "all"}},
			"includeDeletionsSince": map[string]any{"type": "number"},
		},
		"additionalProperties": false,
	})
	RegisterPropertyTypes("streams", Read, map[string]string{"includeDeletionsSince": "number"})

	Register("streams", Update, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":             map[string]any{"type": "string"}, // path-injected target id, not an alterable field
			"name":           map[string]any{"type": "string", "minLength": 1},
			"parentId":       map[string]any{"type": []any{"string", "null"}},
			"clientData":     map[string]any{"type": "object"},
			"singleActivity": map[string]any{"type": "boolean"},
		},
		"additionalProperties": false,
	}, "name", "parentId", "clientData")

	Register("streams", Delete, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":                    map[string]any{"type": "string"},
			"mergeEventsWithParent": map[string]any{"type": "boolean"},
		},
		"additionalProperties": false,
	})
	RegisterPropertyTypes("streams", Delete, map[string]string{"mergeEventsWithParent": "boolean"})
}

func registerAccesses() {
	Register("accesses", Create, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "minLength": 1},
			"type": map[string]any{"type": "string", "enum": []any{"personal", "app", "shared"}},
			"permissions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"streamId": map[string]any{"type": "string"},
						"tag":      map[string]any{"type": "string"},
						"feature":  map[string]any{"type": "string"},
						"setting":  map[string]any{"type": "string"},
						"level":    map[string]any{"type": "string", "enum": []any{"read", "contribute", "manage", "create-only"}},
					},
					"additionalProperties": false,
				},
			},
			"expireAfter": map[string]any{"type": []any{"string", "number"}},
			"clientData":  map[string]any{"type": "object"},
			"deviceName":  map[string]any{"type": "string"},
		},
		"required":             []any{"name", "type"},
		"additionalProperties": false,
	})

	Register("accesses", Read, map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	})

	Register("accesses", Update, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":         map[string]any{"type": "string"}, // path-injected target id, not an alterable field
			"name":       map[string]any{"type": "string", "minLength": 1},
			"clientData": map[string]any{"type": "object"},
		},
		"additionalProperties": false,
	}, "name", "clientData")
}

func registerProfile() {
	Register("profile", Update, map[string]any{
		"type":                 "object",
		"additionalProperties": true, // key→JSON map: every key is a legitimate profile key
	})
}

func registerFollowedSlices() {
	Register("followedSlices", Create, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "minLength": 1},
			"url":         map[string]any{"type": "string", "minLength": 1},
			"accessToken": map[string]any{"type": "string", "minLength": 1},
		},
		"required":             []any{"name", "url", "accessToken"},
		"additionalProperties": false,
	})

	Register("followedSlices", Update, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":   map[string]any{"type": "string"}, // path-injected target id, not an alterable field
			"name": map[string]any{"type": "string", "minLength": 1},
		},
		"additionalProperties": false,
	}, "name")
}

func registerAccount() {
	Register("account", Update, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"email":    map[string]any{"type": "string", "maxLength": 300},
			"language": map[string]any{"type": "string", "minLength": 1, "maxLength": 5},
		},
		"additionalProperties": false,
	}, "email", "language")

	Register("account", "change-password", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"oldPassword": map[string]any{"type": "string", "minLength": 1},
			"newPassword": map[string]any{"type": "string", "minLength": 6},
		},
		"required":             []any{"oldPassword", "newPassword"},
		"additionalProperties": false,
	})

	Register("account", "request-password-reset", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"appId": map[string]any{"type": "string", "minLength": 1},
		},
		"required":             []any{"appId"},
		"additionalProperties": false,
	})

	Register("account", "reset-password", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"resetToken":  map[string]any{"type": "string", "minLength": 1},
			"newPassword": map[string]any{"type": "string", "minLength": 6},
			"appId":       map[string]any{"type": "string", "minLength": 1},
		},
		"required":             []any{"resetToken", "newPassword", "appId"},
		"additionalProperties": false,
	})
}

func registerSystem() {
	Register("system", "createUser", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"username": map[string]any{"type": "string", "pattern": `^[a-z0-9-]{5,23}$`},
			"password": map[string]any{"type": "string", "minLength": 6},
			"email":    map[string]any{"type": "string", "maxLength": 300},
			"language": map[string]any{"type": "string", "minLength": 1, "maxLength": 5},
			"appId":    map[string]any{"type": "string"},
			"invitationToken": map[string]any{"type": "string"},
		},
		"required":             []any{"username", "password", "email"},
		"additionalProperties": false,
	})

	Register("auth", "login", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"password": map[string]any{"type": "string", "minLength": 1},
			"appId":    map[string]any{"type": "string", "minLength": 1},
		},
		"required":             []any{"password", "appId"},
		"additionalProperties": false,
	})

	Register("system", "clearMFA", map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	})

	Register("system", "getUserInfo", map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	})
}
