// Package workspace loads the files that shape a turn's prompt: the SOUL.md
// persona text, persona.yaml overrides written by the persona_update tool,
// and skills/*/SKILL.md documents with YAML front matter.
//
// Loaded content is cached and dropped when the watcher sees a change.
package workspace
