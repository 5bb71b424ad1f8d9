package catalog

import "testing"

func TestLoad_EmbeddedCatalog(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if len(c.TrainingCurve) != 20 {
		t.Errorf("epochs = %d, want 20", len(c.TrainingCurve))
	}
	last := c.TrainingCurve[len(c.TrainingCurve)-1]
	if last.BaselineVal != nil {
		t.Errorf("baseline stops after epoch 16, got %v at epoch %d", *last.BaselineVal, last.Epoch)
	}
	if last.DistillVal == nil || *last.DistillVal != 62.98 {
		t.Errorf("final distill_val = %v, want 62.98", last.DistillVal)
	}
	if c.TrainingCurve[15].BaselineVal == nil {
		t.Error("epoch 16 should still have a baseline value")
	}

	if len(c.HeadlineStats) != 4 {
		t.Errorf("headline stats = %d, want 4", len(c.HeadlineStats))
	}
	if c.DistillationConfig[0].Value != "EfficientNet-B2" {
		t.Errorf("teacher = %q", c.DistillationConfig[0].Value)
	}
	if len(c.Hyperparameters) != 4 {
		t.Errorf("hyperparameters = %d, want 4", len(c.Hyperparameters))
	}
	if len(c.Team.Members) != 3 {
		t.Errorf("team members = %d, want 3", len(c.Team.Members))
	}
}

func TestSeries(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	s := c.Series(BaselineTrain)
	if len(s) != 20 {
		t.Fatalf("series len = %d", len(s))
	}
	nils := 0
	for _, v := range s {
		if v == nil {
			nils++
		}
	}
	if nils != 4 {
		t.Errorf("missing baseline points = %d, want 4", nils)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"not yaml":        "training_curve: [",
		"empty curve":     "training_curve: []",
		"epoch order":     "training_curve:\n  - {epoch: 2}\n  - {epoch: 1}\n",
		"nameless member": "training_curve:\n  - {epoch: 1}\nteam:\n  members:\n    - {role: x}\n",
	}
	for name, data := range tests {
		if _, err := Parse([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
