package agent

import (
	"errors"
	"fmt"
	"strings"

	"studioline/internal/domain"
)

var (
	ErrAlreadyInitialized = errors.New("agent already initialized")
	ErrNotInitialized     = errors.New("agent not initialized")
)

type NoMatchingSkillError struct {
	Department domain.Department
	TaskType   string
}

func (e *NoMatchingSkillError) Error() string {
	return fmt.Sprintf("%s has no skill for task type %s", e.Department, e.TaskType)
}

type AmbiguousSkillError struct {
	Department domain.Department
	Key        string
	SkillIDs   []string
}

func (e *AmbiguousSkillError) Error() string {
	return fmt.Sprintf("%s: task type %s is claimed by skills %s", e.Department, e.Key, strings.Join(e.SkillIDs, ", "))
}
