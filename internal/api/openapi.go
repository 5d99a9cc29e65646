package api

import (
	"net/http"
	"strconv"
)

type object = map[string]interface{}

func ref(name string) object {
	return object{"$ref": "#/components/schemas/" + name}
}

func jsonContent(schema object) object {
	return object{"application/json": object{"schema": schema}}
}

func jsonBody(schema string) object {
	return object{"required": true, "content": jsonContent(ref(schema))}
}

func respond(description string, schema object) object {
	r := object{"description": description}
	if schema != nil {
		r["content"] = jsonContent(schema)
	}
	return r
}

func errorResponses(codes ...string) object {
	out := object{}
	for _, code := range codes {
		status, _ := strconv.Atoi(code)
		out[code] = respond(http.StatusText(status), ref("Error"))
	}
	return out
}

// op builds an operation; responses merge the success answer with errors
func op(id, summary string, ok object, errs ...string) object {
	responses := errorResponses(errs...)
	responses["200"] = ok
	return object{"operationId": id, "summary": summary, "responses": responses}
}

// redirectOp builds an operation answered with a 302
func redirectOp(id, summary string, errs ...string) object {
	responses := errorResponses(errs...)
	responses["302"] = respond("Redirect", nil)
	return object{"operationId": id, "summary": summary, "responses": responses}
}

func with(o object, key string, value interface{}) object {
	o[key] = value
	return o
}

func pathParam(name, typ string) object {
	return object{"name": name, "in": "path", "required": true, "schema": object{"type": typ}}
}

func queryParam(name, typ, description string) object {
	return object{"name": name, "in": "query", "schema": object{"type": typ}, "description": description}
}

func multipartFile() object {
	return object{
		"required": true,
		"content": object{"multipart/form-data": object{"schema": object{
			"type": "object",
			"properties": object{
				"file":    object{"type": "string", "format": "binary"},
				"chat_id": object{"type": "integer"},
			},
			"required": []string{"file"},
		}}},
	}
}

func schemaProps(required []string, props object) object {
	s := object{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	str     = object{"type": "string"}
	integer = object{"type": "integer", "format": "int64"}
	anyObj  = object{"type": "object"}
)

// handleOpenAPISpec returns the OpenAPI 3.0 specification
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	id := pathParam("id", "integer")

	spec := object{
		"openapi": "3.0.0",
		"info": object{
			"title":       "Skyth API",
			"description": "Routes each query to one content pipeline and keeps per-user memory",
			"version":     "1.0.0",
			"contact": object{
				"name": "Oscillate Labs",
				"url":  "https://github.com/oscillatelabsllc/skyth",
			},
			"license": object{
				"name": "MIT",
				"url":  "https://opensource.org/licenses/MIT",
			},
		},
		"servers": []object{
			{"url": s.cfg.Server.BaseURL, "description": "Configured server"},
		},
		"paths": object{
			"/health": object{"get": op("getHealth", "Health check", respond("Server is healthy", anyObj))},
			"/ready":  object{"get": op("getReady", "Readiness check", respond("Store reachable", anyObj), "503")},
			"/auth/login": object{"get": redirectOp("login", "Start Google sign-in", "404")},
			"/auth/callback": object{"get": with(redirectOp("loginCallback", "Complete Google sign-in", "400", "401"), "parameters", []object{
				queryParam("state", "string", "OAuth state"), queryParam("code", "string", "Authorization code"),
			})},
			"/auth/logout": object{"post": op("logout", "Clear the session", respond("Signed out", anyObj))},
			"/api/v1/query": object{"post": with(op("query", "Route a query and stream the pipeline",
				object{
					"description": "Server-sent events: chat, route, step, answer_chunk, sources, image, visualization, audio, document, then final_response or error",
					"content":     object{"text/event-stream": object{"schema": str}},
				}, "400", "404"), "requestBody", jsonBody("QueryRequest"))},
			"/api/v1/tts": object{"post": with(op("tts", "Stream synthesized speech",
				object{"description": "MPEG audio", "content": object{"audio/mpeg": object{"schema": object{"type": "string", "format": "binary"}}}},
				"400", "502", "503"), "requestBody", jsonBody("TTSRequest"))},
			"/api/v1/uploads/image": object{"post": with(op("uploadImage", "Upload an image",
				respond("Image as base64", ref("ImageUpload")), "400", "404", "413"), "requestBody", multipartFile())},
			"/api/v1/uploads/audio": object{"post": with(op("uploadAudio", "Transcribe a recording",
				respond("Transcript", ref("Transcript")), "400", "413", "422", "503"), "requestBody", multipartFile())},
			"/api/v1/uploads/file": object{"post": with(op("uploadFile", "Upload a text document",
				respond("Document text", ref("FileUpload")), "400", "404", "413", "422"), "requestBody", multipartFile())},
			"/api/v1/chats": object{
				"get":  op("listChats", "List chats, newest first", respond("Chats", ref("ChatList"))),
				"post": with(op("createChat", "Create a chat", respond("Chat", ref("Chat"))), "requestBody", jsonBody("ChatRequest")),
			},
			"/api/v1/chats/{id}": object{
				"parameters": []object{id},
				"patch":      with(op("renameChat", "Rename a chat", respond("Chat", ref("Chat")), "400", "404"), "requestBody", jsonBody("ChatRequest")),
				"delete":     op("deleteChat", "Delete a chat with its history", respond("Deleted", anyObj), "404"),
			},
			"/api/v1/chats/{id}/history": object{
				"parameters": []object{id},
				"get":        op("chatHistory", "Chat turns oldest first", respond("History", anyObj), "404"),
			},
			"/api/v1/memory/core": object{
				"get": with(op("listCore", "List core memory", respond("Entries", anyObj), "400"), "parameters", []object{
					queryParam("segment", "string", "persona or human"),
				}),
				"put": with(op("upsertCore", "Store a core memory entry", respond("Entry", ref("CoreEntry")), "400"), "requestBody", jsonBody("CoreRequest")),
			},
			"/api/v1/memory/semantic": object{"get": with(op("listSemantic", "List semantic memory", respond("Entries", anyObj)), "parameters", []object{
				queryParam("type", "string", "Entity type"), queryParam("limit", "integer", "Maximum entries"),
			})},
			"/api/v1/memory/resources": object{"get": with(op("listResources", "List resource memory", respond("Entries", anyObj), "400"), "parameters", []object{
				queryParam("type", "string", "image, video, url or file"), queryParam("chat_id", "integer", "Chat scope"), queryParam("limit", "integer", "Maximum entries"),
			})},
			"/api/v1/memory/procedures": object{
				"get": op("listProcedures", "List procedures", respond("Procedures", anyObj)),
				"put": with(op("upsertProcedure", "Store a procedure", respond("Procedure", anyObj), "400"), "requestBody", jsonBody("ProcedureRequest")),
			},
			"/api/v1/memory/vault": object{
				"get": op("listVault", "List vault keys", respond("Keys", anyObj)),
				"put": with(op("upsertVault", "Store a vault secret", respond("Entry without value", anyObj), "400"), "requestBody", jsonBody("VaultRequest")),
			},
			"/api/v1/memory/vault/{key}": object{
				"parameters": []object{pathParam("key", "string")},
				"get":        op("getVault", "Read a vault secret", respond("Entry", anyObj), "404"),
			},
			"/api/v1/discover/categories": object{"get": op("discoverCategories", "Feed categories", respond("Categories", anyObj))},
			"/api/v1/discover/topics": object{"get": with(op("discoverTopics", "Popular topics", respond("Topics", anyObj), "502"), "parameters", []object{
				queryParam("refresh", "boolean", "Bypass the cache"),
			})},
			"/api/v1/discover/articles/{category}": object{"get": with(op("discoverArticles", "Articles for a category", respond("Articles", anyObj), "404", "502"), "parameters", []object{
				pathParam("category", "string"), queryParam("refresh", "boolean", "Bypass the cache"),
			})},
			"/api/v1/discover/article": object{"post": with(op("discoverArticle", "Full article text", respond("Article", anyObj), "400", "502"), "requestBody", jsonBody("ArticleRequest"))},
			"/api/v1/discover/interactions": object{"post": with(op("discoverInteraction", "Record interest in a category", respond("Interests", anyObj), "400"), "requestBody", jsonBody("InteractionRequest"))},
			"/api/v1/profile": object{"get": op("getProfile", "Signed-in user", respond("Profile", anyObj), "401")},
			"/api/v1/status":  object{"get": op("getStatus", "System status", respond("Status", anyObj))},
		},
		"components": object{
			"schemas": object{
				"Error": schemaProps([]string{"error"}, object{
					"error": str, "kind": str, "subtype": str, "collaborator": str,
				}),
				"QueryRequest": schemaProps(nil, object{
					"query":          str,
					"chat_id":        integer,
					"mode":           object{"type": "string", "enum": []string{"deep_research"}},
					"persona":        object{"type": "string", "enum": []string{"default", "academic", "coding", "unhinged", "custom"}},
					"custom_persona": str,
					"image":          object{"type": "string", "description": "base64 or data URI"},
					"image_mime":     str,
					"audio":          object{"type": "string", "description": "base64 or data URI"},
					"audio_name":     str,
					"file_name":      str,
					"file_text":      str,
				}),
				"TTSRequest":         schemaProps([]string{"text"}, object{"text": str, "persona": str}),
				"ChatRequest":        schemaProps(nil, object{"title": str}),
				"CoreRequest":        schemaProps([]string{"key", "value"}, object{"segment": str, "key": str, "value": str}),
				"ProcedureRequest":   schemaProps([]string{"name"}, object{"name": str, "steps": object{"type": "array", "items": anyObj}}),
				"VaultRequest":       schemaProps([]string{"key", "value"}, object{"key": str, "value": str, "sensitivity": str}),
				"ArticleRequest":     schemaProps([]string{"url"}, object{"url": str}),
				"InteractionRequest": schemaProps([]string{"category"}, object{"category": str}),
				"Chat":               schemaProps(nil, object{"id": integer, "user_id": integer, "title": str, "created_at": object{"type": "string", "format": "date-time"}}),
				"ChatList":           schemaProps(nil, object{"chats": object{"type": "array", "items": ref("Chat")}, "count": object{"type": "integer"}}),
				"CoreEntry":          schemaProps(nil, object{"id": integer, "segment": str, "key": str, "value": str, "updated_at": str}),
				"ImageUpload":        schemaProps(nil, object{"filename": str, "original_name": str, "mime": str, "size": object{"type": "integer"}, "data": str}),
				"FileUpload":         schemaProps(nil, object{"filename": str, "original_name": str, "size": object{"type": "integer"}, "text": str}),
				"Transcript":         schemaProps(nil, object{"filename": str, "text": str}),
			},
		},
	}

	successResponse(w, spec)
}
